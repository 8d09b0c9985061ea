// Package bus implements the publish/subscribe core that every manager in the
// platform communicates through.
//
// Subjects are dotted topic strings ("de.kline.update"). Subscriptions are
// either exact subjects or glob patterns ("pm.*", compiled once at subscribe
// time). Publishing journals the event synchronously, then fans out to every
// matching handler on its own goroutine; a panicking handler is recovered and
// logged without affecting the other handlers or any future publish.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

// Event is a single message on the bus. Events are immutable after creation:
// handlers must not mutate Data.
type Event struct {
	Subject   string         `json:"subject"`
	Data      map[string]any `json:"data"`
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
}

// NewEvent builds an event with an auto-populated id and timestamp.
func NewEvent(subject string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		Subject:   subject,
		Data:      data,
		EventID:   uuid.New().String(),
		Timestamp: time.Now(),
	}
}

// WithSource returns a copy of the event tagged with an originator.
func (e Event) WithSource(source string) Event {
	e.Source = source
	return e
}

// Str returns the string value at key, or "" if absent or not a string.
func (e Event) Str(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// F64 returns the numeric value at key as float64, or 0 if absent.
func (e Event) F64(key string) float64 {
	switch v := e.Data[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Int returns the numeric value at key as int, or 0 if absent.
func (e Event) Int(key string) int { return int(e.F64(key)) }

// Bool returns the boolean value at key, or false if absent.
func (e Event) Bool(key string) bool {
	b, _ := e.Data[key].(bool)
	return b
}

// Map returns the nested record at key, or nil if absent.
func (e Event) Map(key string) map[string]any {
	m, _ := e.Data[key].(map[string]any)
	return m
}

// Handler processes one event. Handlers run concurrently with each other and
// must be safe under concurrent delivery.
type Handler func(Event)

// Journal receives every published event, in publish order, before dispatch.
type Journal interface {
	Append(Event) error
	Recent(limit int) ([]Event, error)
}

// Token identifies one subscription for Unsubscribe.
type Token uint64

type subscription struct {
	token   Token
	pattern string
	matcher glob.Glob // nil for exact-subject subscriptions
	handler Handler
}

// Bus is the process-wide event bus. Construct one with New at program entry
// and inject it into every manager.
type Bus struct {
	journal Journal
	logger  *slog.Logger

	mu        sync.RWMutex // protects the subscription tables
	exact     map[string][]*subscription
	wildcards []*subscription
	nextToken Token

	journalMu sync.Mutex // serialises journal appends in publish order

	closed   bool
	inflight sync.WaitGroup
}

// New creates a bus writing to the given journal. A nil journal falls back to
// an in-memory ring so publishing never fails outright.
func New(journal Journal, logger *slog.Logger) *Bus {
	if journal == nil {
		journal = NewMemoryJournal(JournalCap)
	}
	return &Bus{
		journal: journal,
		logger:  logger.With("component", "bus"),
		exact:   make(map[string][]*subscription),
	}
}

// Subscribe registers a handler for an exact subject or a glob pattern.
// The returned token can be passed to Unsubscribe.
func (b *Bus) Subscribe(pattern string, handler Handler) (Token, error) {
	if pattern == "" {
		return 0, fmt.Errorf("subscribe: empty pattern")
	}
	if handler == nil {
		return 0, fmt.Errorf("subscribe: nil handler")
	}

	sub := &subscription{pattern: pattern, handler: handler}
	if isWildcard(pattern) {
		// Compiled without a separator: "pm.*" matches "pm.account.loaded"
		// and every other pm subject, the way subscribers expect.
		g, err := glob.Compile(pattern)
		if err != nil {
			return 0, fmt.Errorf("compile pattern %q: %w", pattern, err)
		}
		sub.matcher = g
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextToken++
	sub.token = b.nextToken
	if sub.matcher != nil {
		b.wildcards = append(b.wildcards, sub)
	} else {
		b.exact[pattern] = append(b.exact[pattern], sub)
	}
	return sub.token, nil
}

// Unsubscribe removes a subscription by token. Unknown tokens are a no-op.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for subject, subs := range b.exact {
		for i, s := range subs {
			if s.token == token {
				b.exact[subject] = append(subs[:i], subs[i+1:]...)
				if len(b.exact[subject]) == 0 {
					delete(b.exact, subject)
				}
				return
			}
		}
	}
	for i, s := range b.wildcards {
		if s.token == token {
			b.wildcards = append(b.wildcards[:i], b.wildcards[i+1:]...)
			return
		}
	}
}

// Publish journals the event, then schedules every matching handler
// concurrently. It returns after journaling; dispatch does not block the
// caller. Publishing on a quiesced bus is a logged no-op.
func (b *Bus) Publish(event Event) {
	if event.Subject == "" {
		b.logger.Warn("dropping event with empty subject")
		return
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.logger.Warn("bus closed, rejecting event", "subject", event.Subject)
		return
	}

	matches := make([]*subscription, 0, 4)
	matches = append(matches, b.exact[event.Subject]...)
	for _, s := range b.wildcards {
		if s.matcher.Match(event.Subject) {
			matches = append(matches, s)
		}
	}
	b.inflight.Add(len(matches))
	b.mu.RUnlock()

	b.journalMu.Lock()
	if err := b.journal.Append(event); err != nil {
		b.logger.Error("journal append failed", "subject", event.Subject, "error", err)
	}
	b.journalMu.Unlock()

	for _, s := range matches {
		go b.dispatch(s, event)
	}
}

func (b *Bus) dispatch(s *subscription, event Event) {
	defer b.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked",
				"subject", event.Subject,
				"pattern", s.pattern,
				"handler", s.token,
				"panic", r,
			)
		}
	}()
	s.handler(event)
}

// QueryRecent returns the last limit journal entries, newest first.
func (b *Bus) QueryRecent(limit int) ([]Event, error) {
	return b.journal.Recent(limit)
}

// Close quiesces the bus: no new events are accepted, and in-flight handlers
// get the grace period to finish. Handlers still running after the grace
// period are abandoned with a warning.
func (b *Bus) Close(grace time.Duration) {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("shutdown grace period expired, abandoning in-flight handlers")
	}
}

func isWildcard(pattern string) bool {
	for _, r := range pattern {
		switch r {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
