// Package classify labels work items in fixed-size batches, one model
// call per batch.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nhle/inbox-triage/internal/llm"
	"github.com/nhle/inbox-triage/internal/logging"
	"github.com/nhle/inbox-triage/internal/model"
)

const (
	// BatchSize is the number of items sent in one model request.
	BatchSize = 10

	// DefaultDelay separates consecutive batch requests.
	DefaultDelay = time.Second

	maxBodyRunes = 4000
)

// ErrMissingResult is recorded for an item the model did not answer.
var ErrMissingResult = errors.New("model returned no result for item")

// Classifier turns work items into classification results.
type Classifier struct {
	caller   llm.Caller
	limiter  *rate.Limiter
	parallel int
	labels   []string
	log      *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithDelay sets the minimum gap between batch requests. Zero disables pacing.
func WithDelay(d time.Duration) Option {
	return func(c *Classifier) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithParallel allows up to n batches in flight. Requests stay paced.
func WithParallel(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.parallel = n
		}
	}
}

// WithLabels restricts the model to a closed set of labels.
func WithLabels(labels []string) Option {
	return func(c *Classifier) {
		c.labels = labels
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) {
		c.log = l
	}
}

// New creates a Classifier that sends batches through caller.
func New(caller llm.Caller, opts ...Option) *Classifier {
	c := &Classifier{
		caller:   caller,
		limiter:  rate.NewLimiter(rate.Every(DefaultDelay), 1),
		parallel: 1,
		log:      logging.New("classify"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Batches splits items into consecutive groups of at most size.
func Batches[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = BatchSize
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// ClassifyAll classifies items and returns exactly one result per item,
// in input order. A failed batch marks its own items and does not stop
// later batches.
func (c *Classifier) ClassifyAll(ctx context.Context, items []model.WorkItem, prompt string) []model.ClassificationResult {
	batches := Batches(items, BatchSize)
	perBatch := make([][]model.ClassificationResult, len(batches))

	g := new(errgroup.Group)
	g.SetLimit(c.parallel)
	for i, batch := range batches {
		g.Go(func() error {
			perBatch[i] = c.classifyPaced(ctx, batch, prompt, i)
			return nil
		})
	}
	_ = g.Wait()

	results := make([]model.ClassificationResult, 0, len(items))
	for _, r := range perBatch {
		results = append(results, r...)
	}
	return results
}

func (c *Classifier) classifyPaced(ctx context.Context, batch []model.WorkItem, prompt string, index int) []model.ClassificationResult {
	if err := c.limiter.Wait(ctx); err != nil {
		return failAll(batch, fmt.Errorf("waiting for rate limiter: %w", err))
	}

	start := time.Now()
	results := c.ClassifyBatch(ctx, batch, prompt)

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	c.log.Info("batch classified",
		"batch", index, "items", len(batch), "failed", failed,
		"duration_ms", time.Since(start).Milliseconds())
	return results
}

type batchEntry struct {
	ID         string   `json:"id"`
	Label      string   `json:"label"`
	NeedsReply bool     `json:"needs_reply"`
	Confidence *float64 `json:"confidence"`
}

// ClassifyBatch sends one request for batch and maps the answers back
// onto its items.
func (c *Classifier) ClassifyBatch(ctx context.Context, batch []model.WorkItem, prompt string) []model.ClassificationResult {
	if len(batch) == 0 {
		return nil
	}

	entries, err := llm.CallJSON[[]batchEntry](ctx, c.caller, buildPrompt(prompt, batch), c.schema())
	if err != nil {
		return failAll(batch, err)
	}

	byID := make(map[string]batchEntry, len(entries))
	for _, e := range entries {
		id := strings.TrimSpace(e.ID)
		if _, dup := byID[id]; dup {
			continue
		}
		byID[id] = e
	}

	results := make([]model.ClassificationResult, len(batch))
	for i, item := range batch {
		e, ok := byID[item.ID]
		label := strings.TrimSpace(e.Label)
		switch {
		case !ok:
			results[i] = model.ClassificationResult{ID: item.ID, Err: ErrMissingResult}
		case label == "":
			results[i] = model.ClassificationResult{ID: item.ID, Err: fmt.Errorf("%w: empty label", ErrMissingResult)}
		default:
			results[i] = model.ClassificationResult{
				ID:         item.ID,
				Label:      label,
				NeedsReply: e.NeedsReply,
				Confidence: e.Confidence,
			}
		}
	}
	return results
}

func (c *Classifier) schema() *llm.Schema {
	label := &llm.Schema{Type: "string", Description: "category for the email"}
	if len(c.labels) > 0 {
		label.Enum = c.labels
	}
	return &llm.Schema{
		Type: "array",
		Items: &llm.Schema{
			Type:     "object",
			Required: []string{"id", "label"},
			Properties: map[string]*llm.Schema{
				"id":          {Type: "string"},
				"label":       label,
				"needs_reply": {Type: "boolean"},
				"confidence":  {Type: "number"},
			},
		},
	}
}

type promptItem struct {
	ID      string `json:"id"`
	From    string `json:"from,omitempty"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func buildPrompt(instructions string, batch []model.WorkItem) string {
	items := make([]promptItem, len(batch))
	for i, it := range batch {
		items[i] = promptItem{
			ID:      it.ID,
			From:    it.From,
			Subject: it.Subject,
			Body:    truncate(it.Body, maxBodyRunes),
		}
	}
	payload, _ := json.MarshalIndent(items, "", "  ")

	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(instructions))
	sb.WriteString("\n\nClassify each email below. Return a JSON array with exactly one object per email, ")
	sb.WriteString("using the email's id unchanged. Each object has: id (string), label (string), ")
	sb.WriteString("needs_reply (boolean), confidence (number between 0 and 1).\n\nEmails:\n")
	sb.Write(payload)
	return sb.String()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func failAll(batch []model.WorkItem, err error) []model.ClassificationResult {
	out := make([]model.ClassificationResult, len(batch))
	for i, item := range batch {
		out[i] = model.ClassificationResult{ID: item.ID, Err: err}
	}
	return out
}
