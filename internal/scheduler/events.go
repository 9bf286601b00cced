package scheduler

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Event stream hygiene. Agents repeat themselves; a stuck agent can emit
// the same STATUS block every few seconds. Duplicates are dropped against
// a rolling window, and what survives is rate limited per event kind and,
// for status reports, per role.
const (
	dedupWindow       = 100
	kindInterval      = 500 * time.Millisecond
	statusWindow      = 5 * time.Minute
	statusBurstPerWin = 5
)

// EventLimiter suppresses duplicate and flooding events.
type EventLimiter struct {
	mu sync.Mutex

	// Rolling window of recent payload hashes, oldest first.
	ring  []uint64
	seen  map[uint64]int // hash -> occurrences in ring
	kinds map[string]*rate.Limiter
	roles map[string]*rate.Limiter
}

// NewEventLimiter creates an EventLimiter with the standard policy.
func NewEventLimiter() *EventLimiter {
	return &EventLimiter{
		seen:  make(map[uint64]int),
		kinds: make(map[string]*rate.Limiter),
		roles: make(map[string]*rate.Limiter),
	}
}

func payloadHash(kind, key, payload string) uint64 {
	h := sha256.Sum256([]byte(kind + "\x00" + key + "\x00" + payload))
	return binary.BigEndian.Uint64(h[:8])
}

// Allow reports whether an event should be processed. kind classifies the
// event ("status-report", "auth-request", ...), key scopes it (usually the
// role), payload is the raw text.
func (l *EventLimiter) Allow(kind, key, payload string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := payloadHash(kind, key, payload)
	if l.seen[h] > 0 {
		return false
	}
	l.remember(h)

	if !l.kindLimiter(kind).Allow() {
		return false
	}
	if kind == "status-report" && !l.roleLimiter(key).Allow() {
		return false
	}
	return true
}

func (l *EventLimiter) remember(h uint64) {
	l.ring = append(l.ring, h)
	l.seen[h]++
	if len(l.ring) > dedupWindow {
		old := l.ring[0]
		l.ring = l.ring[1:]
		if l.seen[old]--; l.seen[old] <= 0 {
			delete(l.seen, old)
		}
	}
}

func (l *EventLimiter) kindLimiter(kind string) *rate.Limiter {
	lim, ok := l.kinds[kind]
	if !ok {
		lim = rate.NewLimiter(rate.Every(kindInterval), 1)
		l.kinds[kind] = lim
	}
	return lim
}

func (l *EventLimiter) roleLimiter(role string) *rate.Limiter {
	lim, ok := l.roles[role]
	if !ok {
		lim = rate.NewLimiter(rate.Every(statusWindow/statusBurstPerWin), statusBurstPerWin)
		l.roles[role] = lim
	}
	return lim
}
