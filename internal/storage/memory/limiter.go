package memory

import (
	"context"
	"sync"
	"time"

	"github.com/chatcore/internal/storage"
)

// Limiter — скользящее окно попыток входа в памяти процесса (когда Redis не настроен).
type Limiter struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	now       func() time.Time
	attempts  map[string][]time.Time
	lastSweep time.Time
}

var _ storage.LoginLimiter = (*Limiter)(nil)

func NewLimiter(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:      max,
		window:   window,
		now:      time.Now,
		attempts: make(map[string][]time.Time),
	}
}

func (l *Limiter) Close() error { return nil }

// CheckLoginRate пропускает не больше max попыток на имя за окно.
func (l *Limiter) CheckLoginRate(ctx context.Context, username string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cut := now.Add(-l.window)
	l.sweep(now, cut)

	var kept []time.Time
	for _, t := range l.attempts[username] {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.max {
		l.attempts[username] = kept
		return false, nil
	}
	l.attempts[username] = append(kept, now)
	return true, nil
}

// Reset забывает попытки имени после успешного входа.
func (l *Limiter) Reset(ctx context.Context, username string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, username)
	return nil
}

// sweep раз в окно удаляет имена, у которых не осталось попыток внутри окна.
func (l *Limiter) sweep(now, cut time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for name, times := range l.attempts {
		if len(times) == 0 || !times[len(times)-1].After(cut) {
			delete(l.attempts, name)
		}
	}
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}
