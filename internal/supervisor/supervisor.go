// Package supervisor keeps a set of bot workers running. A worker that
// exits is restarted on the next poll unless it failed fatally or failed
// more than MaxFailures times within FailureWindow, in which case it is
// excluded until the process restarts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tathienbao/reconbot/internal/alerting"
	"github.com/tathienbao/reconbot/internal/metrics"
	"github.com/tathienbao/reconbot/internal/types"
)

// ErrAllExcluded is returned by Run when no worker is left to supervise.
var ErrAllExcluded = errors.New("all workers excluded")

// Runner is one supervised unit of work.
type Runner interface {
	Run(ctx context.Context) error
}

// Factory builds a fresh runner. It is called on every start so that a
// restarted worker recovers from its persisted state.
type Factory func() (Runner, error)

// Spec describes one worker.
type Spec struct {
	ID       string
	Factory  Factory
	Recorder *metrics.Recorder
}

// Config holds supervisor settings.
type Config struct {
	PollInterval  time.Duration
	MaxFailures   int
	FailureWindow time.Duration
}

// DefaultConfig returns the default supervisor settings.
func DefaultConfig() Config {
	return Config{
		PollInterval:  time.Second,
		MaxFailures:   3,
		FailureWindow: 10 * time.Minute,
	}
}

// Status is a point-in-time view of one worker.
type Status struct {
	ID        string
	Running   bool
	Excluded  bool
	Restarts  int
	LastError error
}

type slot struct {
	spec     Spec
	runner   Runner
	done     chan error
	running  bool
	excluded bool
	restarts int
	failures []time.Time
	lastErr  error
}

// Supervisor runs workers and restarts them when they exit.
type Supervisor struct {
	cfg     Config
	alerter alerting.Alerter
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
	wg    sync.WaitGroup
}

// New creates a supervisor.
func New(cfg Config, alerter alerting.Alerter, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	return &Supervisor{
		cfg:     cfg,
		alerter: alerter,
		logger:  logger.With("component", "supervisor"),
		now:     time.Now,
		slots:   make(map[string]*slot),
	}
}

// Add registers a worker. Workers added after Run starts are started on the
// next poll.
func (s *Supervisor) Add(spec Spec) error {
	if spec.ID == "" || spec.Factory == nil {
		return fmt.Errorf("supervisor: %w: worker needs an id and a factory", types.ErrInvalidConfig)
	}
	if spec.Recorder == nil {
		spec.Recorder = metrics.NewRecorder(spec.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[spec.ID]; ok {
		return fmt.Errorf("supervisor: %w: worker %s added twice", types.ErrInvalidConfig, spec.ID)
	}
	s.slots[spec.ID] = &slot{spec: spec}
	return nil
}

// Run starts every worker and supervises them until ctx is done. It then
// waits for the workers to return.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.wg.Wait()

	s.poll(ctx, true)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping, waiting for workers")
			return nil
		case <-ticker.C:
			if !s.poll(ctx, false) {
				return ErrAllExcluded
			}
		}
	}
}

// poll collects exited workers and starts the ones that may run. It reports
// whether any worker is still eligible.
func (s *Supervisor) poll(ctx context.Context, initial bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := false
	for _, id := range s.sortedIDs() {
		sl := s.slots[id]
		if sl.running {
			select {
			case err := <-sl.done:
				sl.running = false
				s.onExit(ctx, sl, err)
			default:
			}
		}
		if sl.excluded {
			continue
		}
		eligible = true
		if !sl.running && ctx.Err() == nil {
			s.start(ctx, sl, !initial && sl.lastErr != nil)
		}
	}
	return eligible
}

// onExit records a worker exit and decides whether it may restart.
func (s *Supervisor) onExit(ctx context.Context, sl *slot, err error) {
	id := sl.spec.ID
	sl.spec.Recorder.RecordWorkerUp(false)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New("worker exited")
	}
	sl.lastErr = err

	now := s.now()
	sl.failures = append(sl.failures, now)
	cutoff := now.Add(-s.cfg.FailureWindow)
	kept := sl.failures[:0]
	for _, t := range sl.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	sl.failures = kept

	s.logger.Error("worker crashed", "bot", id, "err", err, "failures", len(sl.failures))
	sl.spec.Recorder.RecordError("worker_crash")
	alerting.Send(ctx, s.alerter, alerting.EventWorkerCrashed, "worker crashed", "bot", id, "err", err)

	switch {
	case types.IsFatal(err):
		s.exclude(ctx, sl, "fatal error")
	case len(sl.failures) > s.cfg.MaxFailures:
		s.exclude(ctx, sl, fmt.Sprintf("%d failures within %s", len(sl.failures), s.cfg.FailureWindow))
	}
}

func (s *Supervisor) exclude(ctx context.Context, sl *slot, reason string) {
	sl.excluded = true
	s.logger.Error("worker excluded", "bot", sl.spec.ID, "reason", reason, "err", sl.lastErr)
	alerting.Send(ctx, s.alerter, alerting.EventWorkerExcluded, "worker excluded: "+reason,
		"bot", sl.spec.ID, "err", sl.lastErr)
}

// start builds and launches a worker. A factory error counts as a crash on
// the next poll.
func (s *Supervisor) start(ctx context.Context, sl *slot, restart bool) {
	sl.done = make(chan error, 1)
	sl.running = true

	r, err := sl.spec.Factory()
	if err != nil {
		sl.runner = nil
		sl.done <- fmt.Errorf("build worker %s: %w", sl.spec.ID, err)
		return
	}
	sl.runner = r

	if restart {
		sl.restarts++
		sl.spec.Recorder.RecordWorkerRestart()
		s.logger.Warn("worker restarted", "bot", sl.spec.ID, "restarts", sl.restarts)
		alerting.Send(ctx, s.alerter, alerting.EventWorkerRestarted, "worker restarted",
			"bot", sl.spec.ID, "restarts", sl.restarts)
	} else {
		s.logger.Info("worker started", "bot", sl.spec.ID)
	}

	s.wg.Add(1)
	go func(done chan<- error) {
		defer s.wg.Done()
		done <- runSafely(ctx, r)
	}(sl.done)
}

// runSafely turns a panic in the worker into an error.
func runSafely(ctx context.Context, r Runner) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("worker panic: %v", p)
		}
	}()
	return r.Run(ctx)
}

func (s *Supervisor) sortedIDs() []string {
	ids := make([]string, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Statuses returns the state of every worker ordered by id.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.slots))
	for _, id := range s.sortedIDs() {
		sl := s.slots[id]
		out = append(out, Status{
			ID:        id,
			Running:   sl.running,
			Excluded:  sl.excluded,
			Restarts:  sl.restarts,
			LastError: sl.lastErr,
		})
	}
	return out
}

// Health reports the health of worker id. Runners exposing their own health
// check are asked directly.
func (s *Supervisor) Health(id string) metrics.Check {
	s.mu.Lock()
	sl, ok := s.slots[id]
	var r Runner
	var excluded, running bool
	if ok {
		r, excluded, running = sl.runner, sl.excluded, sl.running
	}
	s.mu.Unlock()

	switch {
	case !ok:
		return metrics.Unhealthy("unknown worker")
	case excluded:
		return metrics.Unhealthy("excluded")
	case !running:
		return metrics.Unhealthy("restarting")
	}
	if h, ok := r.(interface{ Health() metrics.Check }); ok {
		return h.Health()
	}
	return metrics.Healthy("running")
}
