// Package redact replaces sensitive substrings with placeholder tokens
// before text is sent to the language model, and restores them afterwards.
package redact

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultTTL bounds how long an unrestored map is kept.
const DefaultTTL = 30 * time.Minute

// tokenPattern matches any placeholder the codec can emit.
var tokenPattern = regexp.MustCompile(`\[\[([A-Z]+)_(\d+)\]\]`)

// Token pairs a placeholder with the value it stands for.
type Token struct {
	Placeholder string
	Value       string
	Kind        Kind
}

// Redacted is the result of Redact.
type Redacted struct {
	Text       string
	TokenCount int
}

// Restored is the result of Restore. Unresolved lists placeholders found
// in the text that have no mapping for the item.
type Restored struct {
	Text       string
	Unresolved []string
}

type itemMap struct {
	mu       sync.Mutex
	created  time.Time
	byValue  map[string]string
	byToken  map[string]Token
	counters map[Kind]int
}

// Codec holds one token map per item id. Maps for different items are
// independent and may be used concurrently.
type Codec struct {
	ttl  time.Duration
	now  func() time.Time
	maps sync.Map // item id -> *itemMap
}

// Option configures a Codec.
type Option func(*Codec)

// WithTTL sets the eviction age for unrestored maps.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec creates an empty codec.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Redact replaces every detected value in text with a placeholder and
// records the mapping under itemID. Repeated values share a placeholder,
// and subsequent calls for the same item extend the same map.
func (c *Codec) Redact(itemID, text string) Redacted {
	matches := Detect(text)
	if len(matches) == 0 {
		return Redacted{Text: text}
	}

	m := c.mapFor(itemID)
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, match := range matches {
		b.WriteString(text[last:match.Start])
		b.WriteString(m.tokenFor(match, text))
		last = match.End
	}
	b.WriteString(text[last:])

	return Redacted{Text: b.String(), TokenCount: len(matches)}
}

// Restore substitutes known placeholders in text with their original
// values. Placeholders without a mapping are left in place and reported.
func (c *Codec) Restore(itemID, text string) Restored {
	var byToken map[string]Token
	if v, ok := c.maps.Load(itemID); ok {
		m := v.(*itemMap)
		m.mu.Lock()
		byToken = make(map[string]Token, len(m.byToken))
		for k, t := range m.byToken {
			byToken[k] = t
		}
		m.mu.Unlock()
	}

	var unresolved []string
	out := tokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		if t, ok := byToken[tok]; ok {
			return t.Value
		}
		unresolved = append(unresolved, tok)
		return tok
	})

	return Restored{Text: out, Unresolved: unresolved}
}

// Tokens returns a copy of the mapping for itemID.
func (c *Codec) Tokens(itemID string) []Token {
	v, ok := c.maps.Load(itemID)
	if !ok {
		return nil
	}
	m := v.(*itemMap)
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens := make([]Token, 0, len(m.byToken))
	for _, t := range m.byToken {
		tokens = append(tokens, t)
	}
	return tokens
}

// Clear drops the mapping for itemID.
func (c *Codec) Clear(itemID string) {
	c.maps.Delete(itemID)
}

// Sweep evicts maps older than the TTL and returns how many were removed.
func (c *Codec) Sweep() int {
	cutoff := c.now().Add(-c.ttl)
	evicted := 0
	c.maps.Range(func(key, value any) bool {
		m := value.(*itemMap)
		m.mu.Lock()
		stale := m.created.Before(cutoff)
		m.mu.Unlock()
		if stale {
			c.maps.Delete(key)
			evicted++
		}
		return true
	})
	return evicted
}

// Len returns the number of items with a live mapping.
func (c *Codec) Len() int {
	n := 0
	c.maps.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (c *Codec) mapFor(itemID string) *itemMap {
	fresh := &itemMap{
		created:  c.now(),
		byValue:  make(map[string]string),
		byToken:  make(map[string]Token),
		counters: make(map[Kind]int),
	}
	v, _ := c.maps.LoadOrStore(itemID, fresh)
	return v.(*itemMap)
}

// tokenFor returns the placeholder for match, allocating one if needed.
// Placeholders that already occur literally in the source text are
// skipped so restoration cannot rewrite text the sender wrote.
func (m *itemMap) tokenFor(match Match, source string) string {
	if tok, ok := m.byValue[match.Value]; ok {
		return tok
	}

	var tok string
	for {
		m.counters[match.Kind]++
		tok = fmt.Sprintf("[[%s_%d]]", match.Kind, m.counters[match.Kind])
		if !strings.Contains(source, tok) {
			break
		}
	}

	m.byValue[match.Value] = tok
	m.byToken[tok] = Token{Placeholder: tok, Value: match.Value, Kind: match.Kind}
	return tok
}

// ContainsToken reports whether text still holds a placeholder.
func ContainsToken(text string) bool {
	return tokenPattern.MatchString(text)
}
