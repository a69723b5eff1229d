package backlog

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/popstellar/laocore/internal/p2p/protocol"
)

const (
	DefaultSize = 4096
	DefaultTTL  = 2 * time.Minute
)

// Cause says why an entry left the backlog without being applied.
type Cause string

const (
	CauseExpired Cause = "expired"
	CauseEvicted Cause = "evicted"
)

// Entry is a deferred envelope waiting for its causal predecessor.
type Entry struct {
	Channel   protocol.Channel `json:"channel"`
	LaoID     string           `json:"lao_id"`
	Message   protocol.Message `json:"message"`
	Reason    error            `json:"-"`
	FirstSeen time.Time        `json:"first_seen"`
	LastTried time.Time        `json:"last_tried"`
	Attempts  int              `json:"attempts"`
}

// ReasonText is the reason as a string, for JSON views.
func (e Entry) ReasonText() string {
	if e.Reason == nil {
		return ""
	}
	return e.Reason.Error()
}

// Backlog is a bounded, TTL-limited set of deferred envelopes keyed by
// message id. When full, the least recently deferred entry is evicted.
type Backlog struct {
	mu      sync.Mutex
	cache   *lru.Cache
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger
	onDrop  func(Entry, Cause)
	removed bool
}

// Option customizes a Backlog.
type Option func(*Backlog)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Backlog) { b.now = now }
}

// WithDropHook is called for every entry that expires or is evicted.
func WithDropHook(fn func(Entry, Cause)) Option {
	return func(b *Backlog) { b.onDrop = fn }
}

func New(size int, ttl time.Duration, logger zerolog.Logger, opts ...Option) (*Backlog, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	b := &Backlog{
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "backlog").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	cache, err := lru.NewWithEvict(size, b.evicted)
	if err != nil {
		return nil, err
	}
	b.cache = cache
	return b, nil
}

// evicted runs inside cache calls made with b.mu held.
func (b *Backlog) evicted(key, value interface{}) {
	if b.removed {
		return
	}
	e, ok := value.(*Entry)
	if !ok {
		return
	}
	b.logger.Warn().
		Str("message_id", e.Message.MessageID).
		Str("lao_id", e.LaoID).
		Msg("backlog full, evicting deferred message")
	if b.onDrop != nil {
		b.onDrop(*e, CauseEvicted)
	}
}

// Add records a deferred envelope. Re-adding keeps the first-seen time and
// counts an attempt.
func (b *Backlog) Add(channel protocol.Channel, laoID string, msg protocol.Message, reason error) Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if v, ok := b.cache.Peek(msg.MessageID); ok {
		e := v.(*Entry)
		e.Reason = reason
		e.Attempts++
		e.LastTried = now
		return *e
	}
	e := &Entry{
		Channel:   channel,
		LaoID:     laoID,
		Message:   msg.Clone(),
		Reason:    reason,
		FirstSeen: now,
		LastTried: now,
		Attempts:  1,
	}
	b.cache.Add(msg.MessageID, e)
	return *e
}

// Remove forgets an entry, typically after it was applied or rejected.
func (b *Backlog) Remove(messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(messageID)
}

func (b *Backlog) removeLocked(messageID string) bool {
	b.removed = true
	defer func() { b.removed = false }()
	return b.cache.Remove(messageID)
}

// RemoveLao drops every entry of a Lao.
func (b *Backlog) RemoveLao(laoID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.entriesLocked() {
		if e.LaoID == laoID && b.removeLocked(e.Message.MessageID) {
			n++
		}
	}
	return n
}

// Expire removes and returns the entries older than the TTL.
func (b *Backlog) Expire() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-b.ttl)
	var out []Entry
	for _, e := range b.entriesLocked() {
		if e.FirstSeen.After(cutoff) {
			continue
		}
		b.removeLocked(e.Message.MessageID)
		out = append(out, e)
		if b.onDrop != nil {
			b.onDrop(e, CauseExpired)
		}
	}
	return out
}

// Entries returns copies of all entries, oldest first.
func (b *Backlog) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entriesLocked()
}

// ForLao returns copies of the entries of one Lao, oldest first.
func (b *Backlog) ForLao(laoID string) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Entry
	for _, e := range b.entriesLocked() {
		if e.LaoID == laoID {
			out = append(out, e)
		}
	}
	return out
}

func (b *Backlog) entriesLocked() []Entry {
	keys := b.cache.Keys()
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if v, ok := b.cache.Peek(k); ok {
			out = append(out, *v.(*Entry))
		}
	}
	return out
}

func (b *Backlog) Len() int {
	return b.cache.Len()
}
