package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/ameureka/ai-deepresearch-agent/provider"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{&provider.StatusError{StatusCode: 429}, ClassRateLimit},
		{&provider.StatusError{StatusCode: 400}, ClassInvalidParam},
		{&provider.StatusError{StatusCode: 503}, ClassServer},
		{fmt.Errorf("wrap: %w", &provider.StatusError{StatusCode: 500}), ClassServer},
		{context.DeadlineExceeded, ClassTimeout},
		{timeoutErr{}, ClassTimeout},
		{fmt.Errorf("send: %w", syscall.ECONNRESET), ClassConnection},
		{&net.OpError{Op: "dial", Err: errors.New("no route")}, ClassConnection},
		{errors.New("write: broken pipe"), ClassConnection},
		{errors.New("upstream rate_limit reached"), ClassRateLimit},
		{errors.New("max_tokens must be <= 8192"), ClassInvalidParam},
		{errors.New("internal_error from backend"), ClassServer},
		{errors.New("something odd"), ClassOther},
		{&InvokeError{Class: ClassRateLimit, Err: errors.New("x")}, ClassRateLimit},
	}
	for i, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("case %d (%v): got %s want %s", i, c.err, got, c.want)
		}
	}
	if Classify(nil) != "" {
		t.Fatalf("nil error must have no class")
	}
	if !ClassTimeout.Transient() || ClassServer.Transient() {
		t.Fatalf("unexpected Transient results")
	}
}
