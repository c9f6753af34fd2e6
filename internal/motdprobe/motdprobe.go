// Package motdprobe implements C13: after a Minecraft tunnel's Login
// succeeds, poll the freshly opened public endpoint a handful of times
// hoping to catch the server's status response, then report whatever
// was (or wasn't) found. Grounded on the teacher's background-task
// shape (internal/features/monitor.Monitor's ticker/goroutine split),
// adapted from a single repeating ticker to a fixed schedule of one-shot
// timers per tunnel.
package motdprobe

import (
	"log/slog"
	"sync"
	"time"
)

// delays is the exact probe schedule from spec §4.13.
var delays = []time.Duration{15 * time.Second, time.Minute, 3 * time.Minute, 5 * time.Minute, 10 * time.Minute}

// NotifyFn is called once a probe sequence concludes, either with the
// first successful Result or, if every attempt failed, with success=false.
// Accepted at construction time (spec §9 Design Notes) rather than via a
// named interface, so this package never imports the chat transport or
// credential packages: the closure the caller supplies is free to look
// up whatever group/user context it needs by tunnelID.
type NotifyFn func(tunnelID string, result Result, success bool)

type probe struct {
	mu     sync.Mutex
	timers []*time.Timer
	done   bool
}

// Service schedules and tracks in-flight probe sequences, one per
// tunnel ID.
type Service struct {
	mu     sync.Mutex
	probes map[string]*probe
	notify NotifyFn
}

// New constructs a Service. notify may be nil, in which case completed
// probes are simply discarded.
func New(notify NotifyFn) *Service {
	return &Service{
		probes: make(map[string]*probe),
		notify: notify,
	}
}

// Start schedules the probe sequence for tunnelID against
// publicAddr:remotePort. Satisfies pluginapi.MotdStarter.
func (s *Service) Start(tunnelID, publicAddr string, remotePort int) {
	s.mu.Lock()
	if _, exists := s.probes[tunnelID]; exists {
		s.mu.Unlock()
		return
	}
	p := &probe{}
	s.probes[tunnelID] = p
	s.mu.Unlock()

	for i, d := range delays {
		attempt := i
		delay := d
		timer := time.AfterFunc(delay, func() {
			s.runAttempt(tunnelID, publicAddr, remotePort, attempt, p)
		})
		p.mu.Lock()
		p.timers = append(p.timers, timer)
		p.mu.Unlock()
	}
}

func (s *Service) runAttempt(tunnelID, publicAddr string, remotePort, attempt int, p *probe) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	result, err := query(publicAddr, remotePort)
	if err == nil {
		s.finish(tunnelID, p, result, true)
		return
	}

	slog.Debug("motdprobe: attempt failed", "tunnel", tunnelID, "attempt", attempt, "err", err)
	if attempt == len(delays)-1 {
		s.finish(tunnelID, p, Result{}, false)
	}
}

func (s *Service) finish(tunnelID string, p *probe, result Result, success bool) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	for _, t := range p.timers {
		t.Stop()
	}
	p.mu.Unlock()

	s.mu.Lock()
	delete(s.probes, tunnelID)
	s.mu.Unlock()

	if s.notify != nil {
		s.notify(tunnelID, result, success)
	}
}

// Cancel stops and discards any in-flight probe sequence for tunnelID,
// as a no-op if none exists. Satisfies pluginapi.MotdStarter.
func (s *Service) Cancel(tunnelID string) {
	s.mu.Lock()
	p, ok := s.probes[tunnelID]
	if ok {
		delete(s.probes, tunnelID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	p.done = true
	for _, t := range p.timers {
		t.Stop()
	}
	p.mu.Unlock()
}

// CancelAll stops every in-flight probe sequence, for use during
// graceful shutdown.
func (s *Service) CancelAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.probes))
	for id := range s.probes {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Cancel(id)
	}
}

// Query performs a single synchronous, best-effort MOTD lookup. Used by
// the bot dispatcher's "list" command, which wants a one-shot snapshot
// rather than a scheduled retry sequence.
func Query(publicAddr string, remotePort int) (Result, error) {
	return query(publicAddr, remotePort)
}
