package simplydash

import (
	"sync"
	"time"
)

// MaxItems and MaxEvents bound the conversation lists.
const (
	MaxItems  = 20
	MaxEvents = 20
)

// Item roles and statuses.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	StatusPending     = "pending"
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
)

// Formatted is the display projection of an item.
type Formatted struct {
	Text          string
	Transcript    string
	AudioSamples  int // samples of assistant audio received
	FileReference string
}

// ConversationItem is one turn of the conversation.
type ConversationItem struct {
	ID        string
	Role      string
	Status    string
	Formatted Formatted
}

// ItemList is an ordered list of at most MaxItems items. Adding to a full
// list drops the oldest item.
type ItemList struct {
	mu    sync.Mutex
	items []ConversationItem
}

// Upsert applies fn to the item with id, appending a new pending item first
// when none exists.
func (l *ItemList) Upsert(id string, fn func(*ConversationItem)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == id {
			fn(&l.items[i])
			return
		}
	}
	item := ConversationItem{ID: id, Status: StatusPending}
	fn(&item)
	l.items = append(l.items, item)
	if over := len(l.items) - MaxItems; over > 0 {
		l.items = append(l.items[:0:0], l.items[over:]...)
	}
}

// Update applies fn to an existing item and reports whether it was found.
func (l *ItemList) Update(id string, fn func(*ConversationItem)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == id {
			fn(&l.items[i])
			return true
		}
	}
	return false
}

// Items returns a copy of the list, oldest first.
func (l *ItemList) Items() []ConversationItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConversationItem(nil), l.items...)
}

func (l *ItemList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *ItemList) reset() {
	l.mu.Lock()
	l.items = nil
	l.mu.Unlock()
}

// Event sources.
const (
	SourceClient = "client"
	SourceServer = "server"
)

// RealtimeEvent is one entry of the event log.
type RealtimeEvent struct {
	Time   time.Time
	Source string
	Event  string
	Count  int
}

// EventLog keeps the last MaxEvents events. Consecutive identical
// (source, event) pairs are coalesced into one entry.
type EventLog struct {
	mu     sync.Mutex
	events []RealtimeEvent
}

// Add records one event at t.
func (l *EventLog) Add(t time.Time, source, event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.events); n > 0 {
		last := &l.events[n-1]
		if last.Source == source && last.Event == event {
			last.Count++
			last.Time = t
			return
		}
	}
	l.events = append(l.events, RealtimeEvent{Time: t, Source: source, Event: event, Count: 1})
	if over := len(l.events) - MaxEvents; over > 0 {
		l.events = append(l.events[:0:0], l.events[over:]...)
	}
}

// Events returns a copy of the log, oldest first.
func (l *EventLog) Events() []RealtimeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]RealtimeEvent(nil), l.events...)
}

func (l *EventLog) reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

// Usage accumulates token consumption and the latest rate limits.
type Usage struct {
	mu           sync.Mutex
	totalTokens  int64
	inputTokens  int64
	outputTokens int64
	limits       map[string]RateLimit
}

// UsageSnapshot is a copy of the accumulator.
type UsageSnapshot struct {
	TotalTokens  int64
	InputTokens  int64
	OutputTokens int64
	RateLimits   map[string]RateLimit
}

// AddResponse adds one response's usage. Negative counts are ignored so the
// totals never decrease.
func (u *Usage) AddResponse(r ResponseUsage) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if r.TotalTokens > 0 {
		u.totalTokens += int64(r.TotalTokens)
	}
	if r.InputTokens > 0 {
		u.inputTokens += int64(r.InputTokens)
	}
	if r.OutputTokens > 0 {
		u.outputTokens += int64(r.OutputTokens)
	}
}

// ApplyRateLimits replaces the limit and remaining values per name. The
// token totals are untouched.
func (u *Usage) ApplyRateLimits(limits []RateLimit) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.limits == nil {
		u.limits = make(map[string]RateLimit, len(limits))
	}
	for _, l := range limits {
		u.limits[l.Name] = l
	}
}

func (u *Usage) Snapshot() UsageSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	s := UsageSnapshot{
		TotalTokens:  u.totalTokens,
		InputTokens:  u.inputTokens,
		OutputTokens: u.outputTokens,
		RateLimits:   make(map[string]RateLimit, len(u.limits)),
	}
	for k, v := range u.limits {
		s.RateLimits[k] = v
	}
	return s
}

func (u *Usage) reset() {
	u.mu.Lock()
	u.totalTokens, u.inputTokens, u.outputTokens = 0, 0, 0
	u.limits = nil
	u.mu.Unlock()
}
