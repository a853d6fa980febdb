package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/noah-isme/od-approval-api/internal/models"
	"github.com/noah-isme/od-approval-api/internal/repository"
)

const defaultReconcileSchedule = "@every 5m"

type reconcileRequests interface {
	ListPrimary(ctx context.Context, filters ...repository.Filter) ([]models.ODRequest, error)
	LiveSnapshot(ctx context.Context, prefix string) ([]models.ODRequest, error)
	LiveGet(ctx context.Context, path string) (*models.ODRequest, error)
	RestoreLive(ctx context.Context, path string, req *models.ODRequest) error
	PushLive(ctx context.Context, req *models.ODRequest) (string, error)
	LinkSecondary(ctx context.Context, id string, res repository.WriteResult) error
}

type unreadRecomputer interface {
	Recipients(ctx context.Context) ([]string, error)
	RecomputeUnread(ctx context.Context, userID string) (int, error)
}

// ReconcileReport summarises one sweep.
type ReconcileReport struct {
	Scanned  int `json:"scanned"`
	Restored int `json:"restored"`
	Pushed   int `json:"pushed"`
	Linked   int `json:"linked"`
	Counters int `json:"counters"`
	Failed   int `json:"failed"`
}

// ReconcileService repairs live copies left behind by partial dual writes. The durable store is
// authoritative: a live copy that is missing or older by updatedAt is rewritten from it.
type ReconcileService struct {
	requests reconcileRequests
	unread   unreadRecomputer
	metrics  *MetricsService
	logger   *zap.Logger
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
}

// NewReconcileService constructs the reconciler. An empty schedule uses every five minutes.
func NewReconcileService(requests reconcileRequests, unread unreadRecomputer, metrics *MetricsService, schedule string, logger *zap.Logger) *ReconcileService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schedule == "" {
		schedule = defaultReconcileSchedule
	}
	return &ReconcileService{
		requests: requests,
		unread:   unread,
		metrics:  metrics,
		logger:   logger,
		cron:     cron.New(cron.WithLogger(cron.DiscardLogger)),
		schedule: schedule,
		timeout:  2 * time.Minute,
	}
}

// Start registers the sweep with the scheduler.
func (s *ReconcileService) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.Run(ctx); err != nil {
			s.logger.Warn("reconciliation finished with errors", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule reconciliation %q: %w", s.schedule, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, returning a context done once a running sweep completes.
func (s *ReconcileService) Stop() context.Context {
	return s.cron.Stop()
}

// Run performs one sweep and aggregates per-record failures.
func (s *ReconcileService) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	requests, err := s.requests.ListPrimary(ctx)
	if err != nil {
		return report, fmt.Errorf("list od requests: %w", err)
	}

	var errs error
	for i := range requests {
		req := &requests[i]
		report.Scanned++
		repaired, err := s.repairRequest(ctx, req)
		if err != nil {
			report.Failed++
			errs = multierr.Append(errs, fmt.Errorf("request %s: %w", req.ID, err))
			continue
		}
		switch repaired {
		case "restored":
			report.Restored++
		case "pushed":
			report.Pushed++
		case "linked":
			report.Linked++
		}
	}

	if s.unread != nil {
		users, err := s.unread.Recipients(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("list notification recipients: %w", err))
		}
		for _, userID := range users {
			if _, err := s.unread.RecomputeUnread(ctx, userID); err != nil {
				report.Failed++
				errs = multierr.Append(errs, fmt.Errorf("unread counter %s: %w", userID, err))
				continue
			}
			report.Counters++
		}
	}

	s.metrics.RecordRepair("restored", report.Restored)
	s.metrics.RecordRepair("pushed", report.Pushed)
	s.metrics.RecordRepair("linked", report.Linked)
	s.logger.Info("reconciliation sweep complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("restored", report.Restored),
		zap.Int("pushed", report.Pushed),
		zap.Int("linked", report.Linked),
		zap.Int("counters", report.Counters),
		zap.Int("failed", report.Failed))
	return report, errs
}

func (s *ReconcileService) repairRequest(ctx context.Context, req *models.ODRequest) (string, error) {
	if req.SecondaryPath == "" {
		return s.linkOrPush(ctx, req)
	}

	live, err := s.requests.LiveGet(ctx, req.SecondaryPath)
	switch {
	case errors.Is(err, repository.ErrDocumentNotFound):
	case err != nil:
		return "", err
	case live.UpdatedAt >= req.UpdatedAt:
		return "", nil
	}
	if err := s.requests.RestoreLive(ctx, req.SecondaryPath, req); err != nil {
		return "", err
	}
	return "restored", nil
}

// linkOrPush handles a durable record whose live path was never stored back. A live copy that
// already carries its primary id is linked (and refreshed when older); otherwise a new one is pushed.
func (s *ReconcileService) linkOrPush(ctx context.Context, req *models.ODRequest) (string, error) {
	siblings, err := s.requests.LiveSnapshot(ctx, repository.LiveParentFor(req))
	if err != nil {
		return "", err
	}
	var existing *models.ODRequest
	for i := range siblings {
		if siblings[i].ID == req.ID {
			existing = &siblings[i]
			break
		}
	}

	outcome := "pushed"
	var livePath string
	if existing != nil {
		outcome = "linked"
		livePath = existing.SecondaryPath
		if existing.UpdatedAt < req.UpdatedAt {
			if err := s.requests.RestoreLive(ctx, livePath, req); err != nil {
				return "", err
			}
		}
	} else {
		livePath, err = s.requests.PushLive(ctx, req)
		if err != nil {
			return "", err
		}
	}

	res := repository.WriteResult{
		PrimaryID:     req.ID,
		PrimaryPath:   repository.JoinPath(models.CollectionODRequests, req.ID),
		SecondaryPath: livePath,
		SecondaryKey:  path.Base(livePath),
	}
	if err := s.requests.LinkSecondary(ctx, req.ID, res); err != nil {
		return "", err
	}
	return outcome, nil
}
