package provider

import (
	"context"
	"errors"
	"testing"
)

type recordingBackend struct {
	lastModel string
}

func (b *recordingBackend) ChatCompletion(ctx context.Context, req Request) (Response, error) {
	b.lastModel = req.Model
	return Response{Content: "ok"}, nil
}

func TestSplitModel(t *testing.T) {
	cases := map[string][2]string{
		"deepseek:deepseek-chat": {"deepseek", "deepseek-chat"},
		"OpenAI:gpt-4o":          {"openai", "gpt-4o"},
		"gpt-4o":                 {"", "gpt-4o"},
		":odd":                   {"", ":odd"},
	}
	for in, want := range cases {
		f, n := SplitModel(in)
		if f != want[0] || n != want[1] {
			t.Fatalf("SplitModel(%q) = %q,%q want %q,%q", in, f, n, want[0], want[1])
		}
	}
}

func TestRouterDispatch(t *testing.T) {
	ds := &recordingBackend{}
	oa := &recordingBackend{}
	r := NewRouter(map[string]Provider{"deepseek": ds, "openai": oa}, "openai")

	resp, err := r.ChatCompletion(context.Background(), Request{Model: "deepseek:deepseek-chat"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ds.lastModel != "deepseek-chat" || resp.Model != "deepseek:deepseek-chat" {
		t.Fatalf("unexpected routing: backend saw %q, response model %q", ds.lastModel, resp.Model)
	}
	if _, err := r.ChatCompletion(context.Background(), Request{Model: "gpt-4o"}); err != nil || oa.lastModel != "gpt-4o" {
		t.Fatalf("default family routing failed: %v %q", err, oa.lastModel)
	}
	if _, err := r.ChatCompletion(context.Background(), Request{Model: "anthropic:claude"}); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}
