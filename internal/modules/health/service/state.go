package service

import (
	"sync"
	"sync/atomic"
	"time"

	"tpsl_keeper/internal/models"
)

// State — готовность сервиса: стор поднят и первая сверка прошла.
type State struct {
	startedAt time.Time

	storeLoaded atomic.Bool
	swept       atomic.Bool

	mu sync.Mutex
	ws map[models.Account]bool

	lastSweepUnix atomic.Int64 // unix seconds
}

func NewState() *State {
	return &State{startedAt: time.Now(), ws: make(map[models.Account]bool)}
}

func (s *State) SetStoreLoaded(v bool) { s.storeLoaded.Store(v) }
func (s *State) StoreLoaded() bool     { return s.storeLoaded.Load() }

func (s *State) MarkSwept(t time.Time) {
	s.swept.Store(true)
	s.lastSweepUnix.Store(t.Unix())
}

func (s *State) Ready() bool { return s.storeLoaded.Load() && s.swept.Load() }

func (s *State) SetWSConnected(account models.Account, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ws[account] = v
}

// WSConnected — состояние приватных стримов по аккаунтам.
func (s *State) WSConnected() map[models.Account]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.Account]bool, len(s.ws))
	for k, v := range s.ws {
		out[k] = v
	}
	return out
}

func (s *State) LastSweep() time.Time {
	u := s.lastSweepUnix.Load()
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0)
}

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }
