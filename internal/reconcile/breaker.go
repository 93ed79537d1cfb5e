package reconcile

import (
	"sort"
	"sync"
	"time"

	"tpsl_keeper/pkg/logger"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker ограничивает число корректирующих действий по одному ключу.
// Больше max за window — ключ открыт (синхронизация приостановлена)
// на suspendFor, после чего одна попытка в полуоткрытом состоянии.
type Breaker struct {
	mu         sync.Mutex
	max        int
	window     time.Duration
	suspendFor time.Duration
	keys       map[string]*breakerKey
	now        func() time.Time

	onStateChange func(key string, from, to BreakerState)
}

type breakerKey struct {
	state    BreakerState
	hits     []time.Time
	openedAt time.Time
}

func NewBreaker(max int, window, suspendFor time.Duration) *Breaker {
	return &Breaker{
		max:        max,
		window:     window,
		suspendFor: suspendFor,
		keys:       make(map[string]*breakerKey),
		now:        time.Now,
	}
}

func (b *Breaker) SetStateChangeHandler(handler func(key string, from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = handler
}

// Allow — можно ли сейчас корректировать ключ.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	k, ok := b.keys[key]
	if !ok {
		return true
	}
	switch k.state {
	case BreakerOpen:
		if b.now().Sub(k.openedAt) >= b.suspendFor {
			b.transition(key, k, BreakerHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// Record фиксирует одно корректирующее действие. true — ключ только что открылся.
func (b *Breaker) Record(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	k, ok := b.keys[key]
	if !ok {
		k = &breakerKey{}
		b.keys[key] = k
	}
	if k.state == BreakerHalfOpen {
		// после паузы начинаем счёт заново
		k.hits = k.hits[:0]
		b.transition(key, k, BreakerClosed)
	}
	k.hits = append(pruneBefore(k.hits, now.Add(-b.window)), now)

	if k.state == BreakerClosed && b.max > 0 && len(k.hits) > b.max {
		k.openedAt = now
		b.transition(key, k, BreakerOpen)
		return true
	}
	return false
}

func (b *Breaker) State(key string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k, ok := b.keys[key]; ok {
		return k.state
	}
	return BreakerClosed
}

// Open — ключи, синхронизация которых сейчас приостановлена.
func (b *Breaker) Open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for key, k := range b.keys {
		if k.state == BreakerOpen {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

func (b *Breaker) Forget(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, key)
}

func (b *Breaker) transition(key string, k *breakerKey, to BreakerState) {
	from := k.state
	k.state = to
	if b.onStateChange != nil {
		go b.onStateChange(key, from, to)
		return
	}
	logger.Warn("[BREAKER] %s: %s -> %s (hits=%d/%d in %s)", key, from, to, len(k.hits), b.max, b.window)
}

func pruneBefore(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && hits[i].Before(cutoff) {
		i++
	}
	return append(hits[:0], hits[i:]...)
}
