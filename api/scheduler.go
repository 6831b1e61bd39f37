/*
scheduler.go - Scheduled ledger audit

PURPOSE:
  Periodically re-verifies the ledger invariants for every doctor and
  keeps the latest report for operators. Violations are logged at Error by
  the ledger; the scheduler itself never repairs anything.

DESIGN:
  - robfig/cron drives the schedule ("@every 1h", "0 3 * * *", ...)
  - cron.SkipIfStillRunning: a slow audit never overlaps the next one
  - Each run gets its own timeout so a stuck store cannot pin the job

USAGE:
  scheduler, err := NewAuditScheduler(l, logger, "@every 1h")
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/audit.go: Invariant checks
  - handlers.go: On-demand audit endpoint
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/payout-ledger/ledger"
	"go.uber.org/zap"
)

// AuditReport is the outcome of one scheduled run.
type AuditReport struct {
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Violations []ledger.Violation `json:"violations"`
	Error      string             `json:"error,omitempty"`
}

// AuditScheduler runs ledger.AuditAll on a cron schedule.
type AuditScheduler struct {
	Ledger     *ledger.Ledger
	Log        *zap.Logger
	RunTimeout time.Duration

	cron *cron.Cron
	mu   sync.Mutex
	last *AuditReport
}

// NewAuditScheduler parses schedule and registers the audit job.
func NewAuditScheduler(l *ledger.Ledger, log *zap.Logger, schedule string) (*AuditScheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &AuditScheduler{
		Ledger:     l,
		Log:        log,
		RunTimeout: 5 * time.Minute,
	}
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})))
	if _, err := s.cron.AddFunc(schedule, func() { s.RunNow(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid audit schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the scheduler.
func (s *AuditScheduler) Start() {
	s.cron.Start()
	s.Log.Info("audit scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop halts the scheduler and waits for a running audit to finish.
func (s *AuditScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.Log.Info("audit scheduler stopped")
}

// RunNow performs one audit synchronously and records the report.
func (s *AuditScheduler) RunNow(ctx context.Context) AuditReport {
	ctx, cancel := context.WithTimeout(ctx, s.RunTimeout)
	defer cancel()

	report := AuditReport{StartedAt: time.Now().UTC()}
	violations, err := s.Ledger.AuditAll(ctx)
	report.FinishedAt = time.Now().UTC()
	report.Violations = violations
	if report.Violations == nil {
		report.Violations = []ledger.Violation{}
	}
	if err != nil {
		report.Error = err.Error()
		s.Log.Error("ledger audit failed", zap.Error(err))
	}

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()
	return report
}

// LastReport returns the most recent report, or nil before the first run.
func (s *AuditScheduler) LastReport() *AuditReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
