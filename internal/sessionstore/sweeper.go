package sessionstore

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Releaser destroys the live worker process backing a session, supplied
// by the sessionpool package so this sweeper never imports it directly.
type Releaser func(ctx context.Context, contextID string, grace time.Duration)

// StartSweeper periodically hands sessions that have exceeded maxIdle
// since their last access, or maxLifetime since creation, to release
// (which destroys their worker) and then deletes their records. It runs
// until Stop is called.
func (s *Store) StartSweeper(interval, maxIdle, maxLifetime, destroyGrace time.Duration, release Releaser) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.sweep(maxIdle, maxLifetime, destroyGrace, release)
			}
		}
	}()
}

// Stop ends the sweeper goroutine and waits for it to exit.
func (s *Store) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Store) sweep(maxIdle, maxLifetime, destroyGrace time.Duration, release Releaser) {
	now := time.Now().UTC()
	var stale []*Record

	s.mu.RLock()
	for _, r := range s.bySession {
		if maxIdle > 0 && now.Sub(r.LastAccessedAt) > maxIdle {
			stale = append(stale, r)
			continue
		}
		if maxLifetime > 0 && now.Sub(r.CreatedAt) > maxLifetime {
			stale = append(stale, r)
		}
	}
	s.mu.RUnlock()

	for _, r := range stale {
		s.log.Info("sweeping stale session", zap.String("context_id", r.ContextID), zap.String("session_id", r.SessionID))
		release(context.Background(), r.ContextID, destroyGrace)
		_ = s.Delete(context.Background(), r.SessionID)
	}
}
