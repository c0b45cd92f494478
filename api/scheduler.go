/*
scheduler.go - Background maintenance loops

PURPOSE:
  Three periodic jobs, one goroutine:
  - expiry sweep: PENDING money requests past expires_at -> EXPIRED
  - retention:    audit entries older than the horizon are purged
  - deadlines:    pools whose deadline falls within the lookahead get a
                  DEADLINE_APPROACHING notification to their creator

DESIGN:
  - Configurable intervals; retention runs at most once per day
  - Every pass is idempotent, so overlapping or restarted schedulers
    are harmless
  - Failures are logged and the next tick retries; the scheduler never
    crashes the process

USAGE:
  s := NewScheduler(deps...)
  s.Start()
  defer s.Stop()

SEE ALSO:
  - request.Service.ExpireDue: the sweep itself
  - audit.Service.CleanupOlderThan: the retention job
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/cashwire/audit"
	"github.com/warp/cashwire/core"
	"github.com/warp/cashwire/notify"
	"github.com/warp/cashwire/request"
)

// Scheduler drives the periodic maintenance jobs.
type Scheduler struct {
	Requests *request.Service
	AuditSvc *audit.Service
	Store    core.Store
	Clock    core.Clock
	Notify   *notify.Emitter
	Log      *zap.SugaredLogger

	SweepInterval     time.Duration // expiry sweep + deadline check
	DeadlineLookahead time.Duration // how far ahead "approaching" reaches

	ticker        *time.Ticker
	stop          chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	lastRetention time.Time
	notified      map[string]bool // pool id -> deadline notice sent
}

func NewScheduler(req *request.Service, auditSvc *audit.Service, store core.Store, clock core.Clock, emitter *notify.Emitter, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		Requests:          req,
		AuditSvc:          auditSvc,
		Store:             store,
		Clock:             clock,
		Notify:            emitter,
		Log:               log,
		SweepInterval:     time.Minute,
		DeadlineLookahead: 24 * time.Hour,
		stop:              make(chan struct{}),
		notified:          map[string]bool{},
	}
}

// Start begins the background loop. Runs one pass immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = time.NewTicker(s.SweepInterval)
	s.wg.Add(1)
	go s.run()
	s.Log.Infow("scheduler started", "sweep_interval", s.SweepInterval)
}

// Stop halts the loop and waits for the current pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.Log.Info("scheduler stopped")
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	s.pass()
	for {
		select {
		case <-s.ticker.C:
			s.pass()
		case <-s.stop:
			return
		}
	}
}

// pass runs one round of every job. Called from a single goroutine.
func (s *Scheduler) pass() {
	ctx := context.Background()
	s.sweepExpiry(ctx)
	s.checkDeadlines(ctx)
	s.maybeRunRetention(ctx)
}

func (s *Scheduler) sweepExpiry(ctx context.Context) {
	n, err := s.Requests.ExpireDue(ctx)
	if err != nil {
		s.Log.Warnw("expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		sweepExpired.Add(float64(n))
		s.Log.Infow("expired money requests", "count", n)
	}
}

func (s *Scheduler) checkDeadlines(ctx context.Context) {
	now := s.Clock.Now()
	pools, err := s.Store.Events().WithDeadlineBefore(ctx, now, now.Add(s.DeadlineLookahead))
	if err != nil {
		s.Log.Warnw("deadline check failed", "error", err)
		return
	}
	for _, p := range pools {
		if s.notified[p.ID] {
			continue
		}
		s.notified[p.ID] = true
		s.Notify.Emit(ctx, core.Notification{
			Kind:    core.NotifyDeadlineApproaching,
			UserIDs: []string{p.CreatorUserID},
			Payload: map[string]any{
				"event_id": p.ID,
				"deadline": p.Deadline.Format(time.RFC3339),
			},
		})
	}
}

func (s *Scheduler) maybeRunRetention(ctx context.Context) {
	now := s.Clock.Now()
	if now.Sub(s.lastRetention) < 24*time.Hour {
		return
	}
	s.lastRetention = now

	n, err := s.AuditSvc.CleanupOlderThan(ctx, core.AuditRetentionDays)
	if err != nil {
		s.Log.Warnw("retention cleanup failed", "error", err)
		return
	}
	if n > 0 {
		retentionDeleted.Add(float64(n))
		s.Log.Infow("purged audit entries past retention", "count", n)
	}
}
