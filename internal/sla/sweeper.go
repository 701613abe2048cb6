package sla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/history"
	"github.com/spec-kit/ticket-lifecycle/internal/lifecycle"
	"github.com/spec-kit/ticket-lifecycle/internal/observability"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// Breach kinds reported by the sweep.
const (
	BreachFirstResponse = "first_response"
	BreachResolution    = "resolution"
)

// SweeperConfig tunes the periodic sweep.
type SweeperConfig struct {
	Interval      time.Duration
	BatchSize     int
	TicketTimeout time.Duration
	LockKey       string
	LockTTL       time.Duration
}

// Report summarises one sweep pass.
type Report struct {
	Evaluated   int
	Breaches    map[string]int
	Conflicts   int
	Failures    int
	LockSkipped bool
}

// Sweeper periodically scans SLA-tracked tickets and transitions the ones
// whose deadlines have passed.
type Sweeper struct {
	tickets    repository.TicketRepository
	categories repository.CategoryRepository
	history    *history.Log
	machine    *lifecycle.Machine
	locker     Locker
	clock      clockwork.Clock
	logger     *zap.Logger
	metrics    *observability.Metrics
	cfg        SweeperConfig
}

// SweeperDependencies bundles collaborators for the Sweeper.
type SweeperDependencies struct {
	Tickets    repository.TicketRepository
	Categories repository.CategoryRepository
	History    *history.Log
	Machine    *lifecycle.Machine
	// Locker is optional; without it every process sweeps.
	Locker  Locker
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// NewSweeper constructs a Sweeper.
func NewSweeper(deps SweeperDependencies, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.TicketTimeout <= 0 {
		cfg.TicketTimeout = 5 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval / 2
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "sla:sweep:lock"
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		tickets:    deps.Tickets,
		categories: deps.Categories,
		history:    deps.History,
		machine:    deps.Machine,
		locker:     deps.Locker,
		clock:      clock,
		logger:     logger.Named("sla_sweeper"),
		metrics:    deps.Metrics,
		cfg:        cfg,
	}
}

// Run sweeps on every interval tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("sla sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sla sweeper stopping")
			return
		case <-ticker.Chan():
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sla sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce evaluates one batch of candidates. Per-ticket failures are
// logged and counted; they never abort the batch. The returned error only
// reports failures to acquire the lock or list candidates.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	report := Report{Breaches: map[string]int{}}

	if s.locker != nil {
		ok, err := s.locker.TryLock(ctx, s.cfg.LockKey, s.cfg.LockTTL)
		if err != nil {
			return report, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			report.LockSkipped = true
			return report, nil
		}
	}

	now := s.clock.Now().UTC()
	candidates, err := s.tickets.ListSweepCandidates(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list sweep candidates: %w", err)
	}

	for i := range candidates {
		if ctx.Err() != nil {
			break
		}
		ticket := candidates[i]
		report.Evaluated++

		ticketCtx, cancel := context.WithTimeout(ctx, s.cfg.TicketTimeout)
		breach, err := s.evaluate(ticketCtx, &ticket, now)
		cancel()

		switch {
		case err == nil:
			if breach != "" {
				report.Breaches[breach]++
			}
		case apperrors.IsConflict(err) || apperrors.IsInvalidTransition(err):
			report.Conflicts++
			s.logger.Debug("ticket changed under sweep; skipped",
				zap.Int64("ticket_id", ticket.ID),
				zap.String("status", string(ticket.Status)))
		default:
			report.Failures++
			s.logger.Warn("sla evaluation failed",
				zap.Int64("ticket_id", ticket.ID),
				zap.Error(err))
		}
	}

	s.metrics.RecordSweep(report.Breaches, report.Failures)
	if len(report.Breaches) > 0 || report.Failures > 0 {
		s.logger.Info("sla sweep finished",
			zap.Int("evaluated", report.Evaluated),
			zap.Int("first_response_breaches", report.Breaches[BreachFirstResponse]),
			zap.Int("resolution_breaches", report.Breaches[BreachResolution]),
			zap.Int("conflicts", report.Conflicts),
			zap.Int("failures", report.Failures))
	}
	return report, nil
}

func (s *Sweeper) evaluate(ctx context.Context, ticket *domain.Ticket, now time.Time) (string, error) {
	if ticket.Status.SLATracked() && ticket.FirstResponseBreachedAt == nil && now.After(ticket.SLAFirstResponseAt) {
		responded := ticket.FirstRespondedAt != nil && !ticket.FirstRespondedAt.After(ticket.SLAFirstResponseAt)
		if !responded {
			var err error
			responded, err = s.history.HasAttendantResponseBefore(ctx, ticket.ID, ticket.SLAFirstResponseAt)
			if err != nil {
				return "", err
			}
		}
		if !responded {
			if err := s.transition(ctx, ticket, lifecycle.ActionMarkOverdueFirstResponse, "first response"); err != nil {
				return "", err
			}
			return BreachFirstResponse, nil
		}
	}

	resolutionTracked := ticket.Status.SLATracked() || ticket.Status == domain.TicketStatusOverdueFirstResponse
	if resolutionTracked && ticket.ResolutionBreachedAt == nil && now.After(ticket.SLAResolutionAt) {
		if err := s.transition(ctx, ticket, lifecycle.ActionMarkOverdueResolution, "resolution"); err != nil {
			return "", err
		}
		return BreachResolution, nil
	}
	return "", nil
}

func (s *Sweeper) transition(ctx context.Context, ticket *domain.Ticket, action lifecycle.Action, label string) error {
	recipients, err := s.recipients(ctx, ticket)
	if err != nil {
		return err
	}
	_, err = s.machine.ApplyTo(ctx, ticket, lifecycle.Command{
		TicketID: ticket.ID,
		Action:   action,
		Actor:    domain.SystemActor,
		Notify: func(t *domain.Ticket) []domain.Notification {
			out := make([]domain.Notification, 0, len(recipients))
			for _, userID := range recipients {
				out = append(out, domain.Notification{
					UserID:  userID,
					Kind:    domain.NotificationSLAViolation,
					Message: fmt.Sprintf("Ticket #%d missed its %s deadline", t.ID, label),
				})
			}
			return out
		},
	})
	return err
}

// recipients is the assigned attendant, or the category owners when the
// ticket is unassigned.
func (s *Sweeper) recipients(ctx context.Context, ticket *domain.Ticket) ([]int64, error) {
	if ticket.AttendantID != nil {
		return []int64{*ticket.AttendantID}, nil
	}
	owners, err := s.categories.ListOwners(ctx, ticket.CategoryID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	return owners, nil
}
