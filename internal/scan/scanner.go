// Package scan selects the inbox threads a run should process.
package scan

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nhle/inbox-triage/internal/logging"
	"github.com/nhle/inbox-triage/internal/mailbox"
	"github.com/nhle/inbox-triage/internal/model"
	"github.com/nhle/inbox-triage/internal/store"
)

// Type is the kind of scan performed.
type Type string

const (
	Incremental Type = "incremental"
	Full        Type = "full"
)

// CursorKey is the property holding the committed scan cursor.
const CursorKey = "scan:cursor"

// Defaults for Options.
const (
	DefaultFullWindow   = 7 * 24 * time.Hour
	DefaultCursorMaxAge = 7 * 24 * time.Hour
	DefaultMaxItems     = 200
)

// Options bounds a scan.
type Options struct {
	FullWindow   time.Duration
	CursorMaxAge time.Duration
	MaxItems     int
}

func (o *Options) applyDefaults() {
	if o.FullWindow <= 0 {
		o.FullWindow = DefaultFullWindow
	}
	if o.CursorMaxAge <= 0 {
		o.CursorMaxAge = DefaultCursorMaxAge
	}
	if o.MaxItems <= 0 {
		o.MaxItems = DefaultMaxItems
	}
}

// Result is the outcome of a scan.
type Result struct {
	Items []model.WorkItem
	Type  Type

	// Cursor is the position the next incremental scan starts from. It is
	// the mailbox position observed before searching, or the highest UID
	// taken when the scan was capped. It is committed once the run that
	// consumed Items completes.
	Cursor model.ScanCursor

	// Truncated reports that more matching threads were left for a later run.
	Truncated bool

	// Skipped lists thread ids that were found but not usable.
	Skipped []string
	Summary model.RunSummary
}

// Scanner finds unprocessed threads. It never writes to the mailbox.
type Scanner struct {
	mail  mailbox.Store
	props store.PropertyStore
	opts  Options
	now   func() time.Time
	log   *slog.Logger
}

// New creates a Scanner.
func New(mail mailbox.Store, props store.PropertyStore, opts Options) *Scanner {
	opts.applyDefaults()
	return &Scanner{
		mail:  mail,
		props: props,
		opts:  opts,
		now:   time.Now,
		log:   logging.New("scan"),
	}
}

// WithClock overrides the time source.
func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// WithLogger overrides the component logger.
func (s *Scanner) WithLogger(l *slog.Logger) *Scanner {
	s.log = l
	return s
}

// Scan returns the threads not yet carrying processedLabelID.
func (s *Scanner) Scan(ctx context.Context, processedLabelID string) (Result, error) {
	current, err := s.mail.Cursor(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reading mailbox position: %w", err)
	}

	saved, ok, err := s.LoadCursor(ctx)
	if err != nil {
		s.log.Warn("cannot read scan cursor, falling back to full scan", "error", err)
		ok = false
	}

	scanType := Full
	switch {
	case !ok:
		s.log.Warn("no scan cursor, performing full scan")
	case saved.UIDValidity != current.UIDValidity:
		s.log.Warn("mailbox UIDVALIDITY changed, performing full scan",
			"saved", saved.UIDValidity, "current", current.UIDValidity)
	case s.now().Sub(saved.SavedAt) >= s.opts.CursorMaxAge:
		s.log.Warn("scan cursor expired, performing full scan",
			"saved_at", saved.SavedAt, "max_age", s.opts.CursorMaxAge)
	default:
		scanType = Incremental
	}

	var queries []mailbox.Query
	if scanType == Incremental {
		queries = []mailbox.Query{
			{AfterUID: saved.LastUID},
			{Unread: true},
		}
	} else {
		queries = []mailbox.Query{
			{Since: s.now().Add(-s.opts.FullWindow)},
			{Unread: true},
		}
	}

	var refs []mailbox.ThreadRef
	seen := make(map[string]bool)
	truncated := false
	for _, q := range queries {
		q.ExcludeLabel = processedLabelID
		q.Limit = s.opts.MaxItems
		found, err := s.mail.Search(ctx, q)
		if err != nil {
			return Result{}, fmt.Errorf("searching mailbox: %w", err)
		}
		if len(found) >= q.Limit {
			truncated = true
		}
		for _, ref := range found {
			if seen[ref.ID] {
				continue
			}
			seen[ref.ID] = true
			refs = append(refs, ref)
		}
	}
	slices.SortStableFunc(refs, func(a, b mailbox.ThreadRef) int {
		ua, _ := a.UID()
		ub, _ := b.UID()
		return cmp.Compare(ua, ub)
	})
	if len(refs) > s.opts.MaxItems {
		refs = refs[:s.opts.MaxItems]
		truncated = true
	}

	cursor := current
	if truncated {
		floor := uint32(0)
		if scanType == Incremental {
			floor = saved.LastUID
		}
		cursor.LastUID = capCursor(refs, floor, current.LastUID)
		s.log.Info("scan capped, later threads left for the next run",
			"max_items", s.opts.MaxItems, "cursor", cursor.LastUID)
	}

	res := Result{Type: scanType, Cursor: cursor, Truncated: truncated}
	for _, ref := range refs {
		item, err := Hydrate(ctx, s.mail, ref)
		if err != nil {
			s.log.Warn("skipping unreadable thread", "thread", ref.ID, "error", err)
			res.Skipped = append(res.Skipped, ref.ID)
			continue
		}
		if strings.TrimSpace(item.Subject) == "" && strings.TrimSpace(item.Body) == "" {
			s.log.Debug("skipping empty thread", "thread", ref.ID)
			res.Skipped = append(res.Skipped, ref.ID)
			continue
		}
		res.Items = append(res.Items, item)
	}

	res.Summary = model.RunSummary{Scanned: len(res.Items), Skipped: len(res.Skipped)}
	s.log.Info("scan complete",
		"type", scanType, "found", len(refs),
		"items", len(res.Items), "skipped", len(res.Skipped))
	return res, nil
}

// capCursor returns the cursor for a capped scan: the highest UID taken,
// never below floor nor above the observed mailbox position. Every match at
// or below it was taken because each query returns its oldest matches.
func capCursor(taken []mailbox.ThreadRef, floor, ceiling uint32) uint32 {
	last := floor
	for _, ref := range taken {
		uid, ok := ref.UID()
		if !ok {
			return floor
		}
		last = max(last, uid)
	}
	return min(last, ceiling)
}

// Hydrate builds the WorkItem for ref from its latest message.
func Hydrate(ctx context.Context, mail mailbox.Store, ref mailbox.ThreadRef) (model.WorkItem, error) {
	msgs, err := mail.GetMessages(ctx, ref)
	if err != nil {
		return model.WorkItem{}, err
	}
	latest, ok := mailbox.Latest(msgs)
	if !ok {
		return model.WorkItem{}, fmt.Errorf("thread %s has no messages", ref.ID)
	}
	return model.WorkItem{
		ID:             ref.ID,
		Subject:        latest.Subject,
		Body:           latest.Body,
		From:           latest.From,
		MessageID:      latest.MessageID,
		ExistingLabels: latest.Labels,
		ReceivedAt:     latest.Date,
	}, nil
}

// LoadCursor returns the committed cursor, if any.
func (s *Scanner) LoadCursor(ctx context.Context) (model.ScanCursor, bool, error) {
	raw, ok, err := s.props.GetProperty(ctx, CursorKey)
	if err != nil || !ok {
		return model.ScanCursor{}, false, err
	}
	var c model.ScanCursor
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return model.ScanCursor{}, false, fmt.Errorf("decoding scan cursor: %w", err)
	}
	return c, true, nil
}

// CommitCursor stores c as the starting point of the next incremental scan.
func (s *Scanner) CommitCursor(ctx context.Context, c model.ScanCursor) error {
	c.SavedAt = s.now()
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding scan cursor: %w", err)
	}
	if err := s.props.SetProperty(ctx, CursorKey, string(raw)); err != nil {
		return fmt.Errorf("saving scan cursor: %w", err)
	}
	return nil
}
