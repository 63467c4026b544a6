package llm

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// WithBackoff runs fn, retrying transport, rate-limit and availability
// failures with jittered exponential backoff. Other errors return at once.
func WithBackoff(ctx context.Context, maxRetries uint64, base time.Duration, fn func(context.Context) error) error {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(30*time.Second, b)
	b = retry.WithMaxRetries(maxRetries, b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Backoff wraps a Caller so each Call goes through WithBackoff.
type Backoff struct {
	Caller     Caller
	MaxRetries uint64
	Base       time.Duration
}

func (b Backoff) Call(ctx context.Context, prompt string, schema *Schema) (*Response, error) {
	var resp *Response
	err := WithBackoff(ctx, b.MaxRetries, b.Base, func(ctx context.Context) error {
		var err error
		resp, err = b.Caller.Call(ctx, prompt, schema)
		return err
	})
	return resp, err
}
