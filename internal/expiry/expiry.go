// Package expiry implements C6, the background scheduler that sweeps
// pending/active credentials past their TTL into expired. Grounded on
// the teacher's NetworkMonitor.Start ticker-driven goroutine shape
// (internal/features/monitor.NetworkMonitor.Start), generalized from a
// fixed dual-ticker pair to a single configurable-period scan loop.
package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/lieyanc/FireFrp/internal/credential"
	"github.com/lieyanc/FireFrp/internal/model"
)

// DefaultPeriod is spec §4.6's scan interval.
const DefaultPeriod = 30 * time.Second

// Scheduler periodically scans for credentials whose TTL has elapsed
// and transitions them to expired.
type Scheduler struct {
	svc    *credential.Service
	period time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Scheduler bound to svc. period defaults to
// DefaultPeriod when zero.
func New(svc *credential.Service, period time.Duration) *Scheduler {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Scheduler{svc: svc, period: period}
}

// Start runs the scan loop in a background goroutine until ctx is
// canceled or Stop is called. It scans immediately on start, then every
// period thereafter, matching spec §4.6 ("the first scan runs
// immediately on startup, not after the first tick").
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.scanOnce()

		ticker := time.NewTicker(s.period)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.scanOnce()
			}
		}
	}()
}

// Stop cancels the scan loop and blocks until the in-flight iteration,
// if any, has finished — spec §4.6's "Stop joins any in-flight scan
// before returning".
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// scanOnce expires every pending/active credential past its TTL. A
// failure expiring one record is logged and does not abort the rest of
// the scan (spec §4.6: "one record's failure must never block the
// others").
func (s *Scheduler) scanOnce() {
	now := time.Now()
	for _, c := range s.svc.GetAllActive() {
		if c.Status != model.StatusPending && c.Status != model.StatusActive {
			continue
		}
		if !c.ExpiresAt.Before(now) && !c.ExpiresAt.Equal(now) {
			continue
		}
		if _, err := s.svc.Expire(c.ID); err != nil {
			slog.Error("expiry: failed to expire credential", "tunnelId", c.TunnelID, "err", err)
		}
	}
}
