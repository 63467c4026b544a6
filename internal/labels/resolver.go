// Package labels maps logical label names to durable label ids, caching
// the mapping in the property store.
package labels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nhle/inbox-triage/internal/logging"
	"github.com/nhle/inbox-triage/internal/mailbox"
	"github.com/nhle/inbox-triage/internal/model"
	"github.com/nhle/inbox-triage/internal/store"
)

// DefaultTTL is how long a cached mapping is trusted without revalidation.
const DefaultTTL = 6 * time.Hour

const cacheKeyPrefix = "labelcache:"

// ErrUnknownLabel is returned for a name outside the allowed set.
var ErrUnknownLabel = errors.New("label not in allowed set")

// Handle is a resolved label.
type Handle struct {
	LogicalName string
	ID          string
	Name        string
}

// Resolver resolves logical names to durable labels.
type Resolver struct {
	catalog mailbox.LabelCatalog
	props   store.PropertyStore
	ttl     time.Duration
	now     func() time.Time
	allowed map[string]bool
	names   []string
	log     *slog.Logger

	// locks serializes resolution per logical name.
	locks sync.Map
	// mirror holds entries already read from the property store.
	mirror sync.Map
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTTL sets the revalidation interval.
func WithTTL(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithAllowed restricts classification labels to names. Names passed to
// ResolveMarker are always allowed.
func WithAllowed(names []string) Option {
	return func(r *Resolver) {
		if len(names) == 0 {
			return
		}
		r.allowed = make(map[string]bool, len(names))
		r.names = nil
		for _, n := range names {
			key := normalize(n)
			if key == "" || r.allowed[key] {
				continue
			}
			r.allowed[key] = true
			r.names = append(r.names, strings.TrimSpace(n))
		}
	}
}

// NewResolver creates a Resolver over catalog with its cache in props.
func NewResolver(catalog mailbox.LabelCatalog, props store.PropertyStore, opts ...Option) *Resolver {
	r := &Resolver{
		catalog: catalog,
		props:   props,
		ttl:     DefaultTTL,
		now:     time.Now,
		log:     logging.New("labels"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Resolve returns the label for a classification result, creating it
// when it does not exist.
func (r *Resolver) Resolve(ctx context.Context, logicalName string) (Handle, error) {
	name := strings.TrimSpace(logicalName)
	if name == "" {
		return Handle{}, errors.New("empty label name")
	}
	if r.allowed != nil && !r.allowed[normalize(name)] {
		return Handle{}, fmt.Errorf("%w: %q", ErrUnknownLabel, name)
	}
	return r.resolve(ctx, name)
}

// ResolveMarker resolves a system marker label such as the processed
// label, bypassing the allowed set.
func (r *Resolver) ResolveMarker(ctx context.Context, name string) (Handle, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Handle{}, errors.New("empty label name")
	}
	return r.resolve(ctx, name)
}

// Invalidate drops the cached mapping for logicalName.
func (r *Resolver) Invalidate(ctx context.Context, logicalName string) error {
	key := normalize(logicalName)
	r.mirror.Delete(key)
	if err := r.props.DeleteProperty(ctx, cacheKeyPrefix+key); err != nil {
		return fmt.Errorf("invalidating label cache for %q: %w", logicalName, err)
	}
	return nil
}

func (r *Resolver) lock(key string) func() {
	v, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Resolver) resolve(ctx context.Context, name string) (Handle, error) {
	key := normalize(name)
	unlock := r.lock(key)
	defer unlock()

	entry, ok, err := r.cached(ctx, key)
	if err != nil {
		return Handle{}, err
	}

	if ok {
		if r.now().Sub(entry.LastVerifiedAt) < r.ttl {
			return Handle{LogicalName: name, ID: entry.DurableID, Name: entry.LogicalName}, nil
		}

		label, err := r.catalog.GetLabel(ctx, entry.DurableID)
		switch {
		case err == nil:
			if label.Name != name {
				r.log.Info("label renamed", "logical", name, "id", label.ID, "name", label.Name)
			}
			return r.remember(ctx, key, name, label)
		case errors.Is(err, model.ErrLabelNotFound):
			r.log.Warn("cached label deleted, recreating", "logical", name, "id", entry.DurableID)
			if err := r.Invalidate(ctx, name); err != nil {
				return Handle{}, err
			}
		default:
			return Handle{}, fmt.Errorf("verifying label %q: %w", name, err)
		}
	}

	label, err := r.catalog.FindLabel(ctx, name)
	if errors.Is(err, model.ErrLabelNotFound) {
		label, err = r.catalog.CreateLabel(ctx, name)
		if err == nil {
			r.log.Info("label created", "name", name, "id", label.ID)
		}
	}
	if err != nil {
		return Handle{}, fmt.Errorf("resolving label %q: %w", name, err)
	}
	return r.remember(ctx, key, name, label)
}

func (r *Resolver) cached(ctx context.Context, key string) (model.LabelCacheEntry, bool, error) {
	if v, ok := r.mirror.Load(key); ok {
		return v.(model.LabelCacheEntry), true, nil
	}

	raw, ok, err := r.props.GetProperty(ctx, cacheKeyPrefix+key)
	if err != nil {
		return model.LabelCacheEntry{}, false, fmt.Errorf("reading label cache: %w", err)
	}
	if !ok {
		return model.LabelCacheEntry{}, false, nil
	}

	var entry model.LabelCacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.DurableID == "" {
		r.log.Warn("discarding corrupt label cache entry", "key", key)
		return model.LabelCacheEntry{}, false, nil
	}
	r.mirror.Store(key, entry)
	return entry, true, nil
}

func (r *Resolver) remember(ctx context.Context, key, logical string, label model.Label) (Handle, error) {
	entry := model.LabelCacheEntry{
		LogicalName:    logical,
		DurableID:      label.ID,
		LastVerifiedAt: r.now(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return Handle{}, fmt.Errorf("encoding label cache: %w", err)
	}
	if err := r.props.SetProperty(ctx, cacheKeyPrefix+key, string(raw)); err != nil {
		return Handle{}, fmt.Errorf("writing label cache: %w", err)
	}
	r.mirror.Store(key, entry)
	return Handle{LogicalName: logical, ID: label.ID, Name: label.Name}, nil
}

// Allowed returns the allowed label names in configured order, or nil
// when any label is accepted.
func (r *Resolver) Allowed() []string {
	return slices.Clone(r.names)
}
