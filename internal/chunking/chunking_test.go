package chunking

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/ameureka/ai-deepresearch-agent/internal/model"
)

func paragraph(words int, tag string) string {
	return strings.TrimSpace(strings.Repeat(tag+" ", words))
}

func TestSplitPreservesParagraphSequence(t *testing.T) {
	var paras []string
	for i := 0; i < 12; i++ {
		paras = append(paras, paragraph(40+i*7, string(rune('a'+i))+"word"))
	}
	text := strings.Join(paras, "\n\n")
	s := NewSplitter(200, 10)
	chunks := s.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if model.EstimateTokens(c) > 200 {
			t.Fatalf("chunk %d exceeds limit: %d", i, model.EstimateTokens(c))
		}
	}
	if rejoined := strings.Join(chunks, "\n\n"); rejoined != text {
		t.Fatalf("paragraph sequence not preserved")
	}
}

func TestSplitLongParagraphAtSentences(t *testing.T) {
	sentence := strings.Repeat("x", 396) + "."
	para := strings.Join([]string{sentence, sentence, sentence, sentence}, " ")
	s := NewSplitter(150, 0)
	chunks := s.Split(para)
	if len(chunks) != 4 {
		t.Fatalf("expected one chunk per sentence, got %d", len(chunks))
	}
	for _, c := range chunks {
		if !strings.HasSuffix(c, ".") {
			t.Fatalf("terminator must stay attached: %q", c[len(c)-5:])
		}
	}
}

func TestSplitSentencesCJK(t *testing.T) {
	got := splitSentences("第一句。第二句！Third one? fourth")
	want := []string{"第一句。", "第二句！", "Third one?", "fourth"}
	if len(got) != len(want) {
		t.Fatalf("got %q want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sentence %d: got %q want %q", i, got[i], want[i])
		}
	}
	if n := len(splitSentences("version 3.14 is stable")); n != 1 {
		t.Fatalf("decimal point must not split, got %d sentences", n)
	}
}

func TestSplitFixedWidthFallback(t *testing.T) {
	para := strings.Repeat("y", 1000)
	chunks := NewSplitter(100, 0).Split(para)
	if len(chunks) != 3 || len(chunks[0]) != 400 || len(chunks[2]) != 200 {
		t.Fatalf("unexpected fixed split: %d chunks", len(chunks))
	}
}

func TestChunksCarryOverlap(t *testing.T) {
	text := strings.Join([]string{paragraph(300, "alpha"), paragraph(300, "beta"), paragraph(300, "gamma")}, "\n\n")
	chunks := NewSplitter(500, 5).Chunks(text)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[0].Prev != "" || chunks[2].Next != "" {
		t.Fatalf("edges must have no outer context")
	}
	if len(chunks[1].Prev) != 20 || !strings.HasSuffix(chunks[0].Text, chunks[1].Prev) {
		t.Fatalf("unexpected previous overlap %q", chunks[1].Prev)
	}
	if !strings.HasPrefix(chunks[2].Text, chunks[1].Next) {
		t.Fatalf("unexpected next overlap %q", chunks[1].Next)
	}
	if !chunks[0].IsFirst() || !chunks[2].IsLast() || chunks[1].IsFirst() || chunks[1].IsLast() {
		t.Fatalf("position flags wrong")
	}
}

func TestBuildPrompt(t *testing.T) {
	mid := BuildPrompt(Chunk{Index: 1, Total: 3, Text: "body", Prev: "before", Next: "after"}, "")
	for _, want := range []string{"[Position: 2/3]", "...before", "body", "after...", "middle chunk", defaultInstruction} {
		if !strings.Contains(mid, want) {
			t.Fatalf("prompt missing %q:\n%s", want, mid)
		}
	}
	if strings.Index(mid, "before") > strings.Index(mid, "body") {
		t.Fatalf("previous context must precede the chunk")
	}
	first := BuildPrompt(Chunk{Index: 0, Total: 2, Text: "x"}, "Summarise.")
	if !strings.Contains(first, "first chunk") || !strings.HasSuffix(first, "Summarise.") {
		t.Fatalf("unexpected first prompt:\n%s", first)
	}
	last := BuildPrompt(Chunk{Index: 1, Total: 2, Text: "x"}, "")
	if !strings.Contains(last, "last chunk") {
		t.Fatalf("unexpected last prompt:\n%s", last)
	}
}

func TestMerge(t *testing.T) {
	if Merge(nil) != "" {
		t.Fatalf("merge of nothing must be empty")
	}
	if Merge([]string{"only"}) != "only" {
		t.Fatalf("single part must be unchanged")
	}
	if Merge([]string{"a", "b"}) != "a\n\nb" {
		t.Fatalf("unexpected merge")
	}
}

func quietManager(cfg Config) *Manager {
	return NewManager(model.NewRegistry(), cfg, WithLogger(log.New(io.Discard, "", 0)))
}

func TestShouldChunk(t *testing.T) {
	m := quietManager(DefaultConfig())
	// deepseek-chat window 32768, threshold 26214 tokens.
	small := strings.Repeat("a", 4*26214)
	big := strings.Repeat("a", 4*26215)
	if m.ShouldChunk(small, "deepseek:deepseek-chat") {
		t.Fatalf("text at threshold must not chunk")
	}
	if !m.ShouldChunk(big, "deepseek:deepseek-chat") {
		t.Fatalf("text over threshold must chunk")
	}
	off := DefaultConfig()
	off.Enabled = false
	if quietManager(off).ShouldChunk(big, "deepseek:deepseek-chat") {
		t.Fatalf("disabled manager must never chunk")
	}
}

func TestProcessDirectAndChunked(t *testing.T) {
	m := quietManager(Config{Enabled: true, Threshold: 0.8, MaxChunkSize: 100, Overlap: 5})
	var prompts []string
	fn := func(ctx context.Context, prompt string) (string, error) {
		prompts = append(prompts, prompt)
		return "out", nil
	}
	out, err := m.Process(context.Background(), "short text", "deepseek:deepseek-chat", fn, false)
	if err != nil || out != "out" || prompts[0] != "short text" {
		t.Fatalf("direct path: %q %v %q", out, err, prompts)
	}

	prompts = nil
	text := strings.Join([]string{paragraph(80, "one"), paragraph(80, "two")}, "\n\n")
	out, err = m.Process(context.Background(), text, "deepseek:deepseek-chat", fn, true)
	if err != nil {
		t.Fatalf("forced chunking: %v", err)
	}
	if len(prompts) != 2 || out != "out\n\nout" {
		t.Fatalf("expected 2 chunk calls merged, got %d calls, %q", len(prompts), out)
	}
	if !strings.Contains(prompts[0], "[Position: 1/2]") {
		t.Fatalf("chunk prompt missing position:\n%s", prompts[0])
	}
}

func TestProcessPropagatesChunkError(t *testing.T) {
	m := quietManager(Config{Enabled: true, Threshold: 0.8, MaxChunkSize: 100, Overlap: 5})
	boom := errors.New("boom")
	calls := 0
	fn := func(ctx context.Context, prompt string) (string, error) {
		calls++
		if calls == 2 {
			return "", boom
		}
		return "ok", nil
	}
	text := strings.Join([]string{paragraph(80, "one"), paragraph(80, "two"), paragraph(80, "three")}, "\n\n")
	_, err := m.Process(context.Background(), text, "deepseek:deepseek-chat", fn, true)
	if !errors.Is(err, boom) || calls != 2 {
		t.Fatalf("expected failure on second chunk, calls=%d err=%v", calls, err)
	}
}

func TestEstimateCost(t *testing.T) {
	m := quietManager(DefaultConfig())
	est := m.EstimateCost(strings.Repeat("a", 4000), "deepseek:deepseek-chat", 0)
	if est.NeedsChunking || est.APICalls != 1 || est.InputTokens != 1000 || est.TotalTokens != 1000 {
		t.Fatalf("unexpected direct estimate %+v", est)
	}
	if est.CostUSD < 0.139 || est.CostUSD > 0.141 {
		t.Fatalf("unexpected cost %f", est.CostUSD)
	}

	big := m.EstimateCost(strings.Repeat("a", 4*30000), "deepseek:deepseek-chat", 1)
	if !big.NeedsChunking || big.NumChunks != 6 || big.TotalTokens != 30000+5*200 {
		t.Fatalf("unexpected chunked estimate %+v", big)
	}
}
