package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/store"
)

// Sweeper is implemented by in-process rate-limit stores that need their
// stale windows dropped.
type Sweeper interface {
	Sweep() int
}

// HousekeepingResult reports what one cleanup pass did.
type HousekeepingResult struct {
	ExpiredTokensDeleted int64
	RateLimitKeysSwept   int
	KeysReloaded         bool
	KeysRotated          bool
}

// HousekeepingService periodically deletes expired refresh tokens, sweeps
// the in-memory rate-limit windows and keeps signing keys current: it
// reloads keys other instances stored and rotates them when due.
type HousekeepingService struct {
	Store       store.Store
	RateLimits  Sweeper             // optional
	KeyRotation *KeyRotationService // optional
	Logger      *slog.Logger
	Interval    time.Duration
	Clock       func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeepingService creates a housekeeping service. A non-positive
// interval defaults to one hour.
func NewHousekeepingService(st store.Store, logger *slog.Logger, interval time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HousekeepingService{
		Store:    st,
		Logger:   logger,
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the worker in the background. Call Stop to shut it down.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop blocks until any in-progress pass has finished.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.RunOnce(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// RunOnce performs one cleanup pass. Each step is independent; a failure
// is logged and the rest still run.
func (s *HousekeepingService) RunOnce(ctx context.Context) HousekeepingResult {
	var res HousekeepingResult

	sctx, cancel := storeContext(ctx, 0)
	n, err := s.Store.RefreshTokens().DeleteExpiredRefreshTokens(sctx, nowFunc(s.Clock))
	cancel()
	if err != nil {
		s.Logger.Error("failed to delete expired refresh tokens", "error", err)
	} else {
		res.ExpiredTokensDeleted = n
	}

	if s.RateLimits != nil {
		res.RateLimitKeysSwept = s.RateLimits.Sweep()
	}

	if s.KeyRotation != nil {
		if s.KeyRotation.MaxAge > 0 {
			rotated, err := s.KeyRotation.RotateIfDue(ctx)
			if err != nil {
				s.Logger.Error("failed to rotate signing keys", "error", err)
			}
			res.KeysRotated = rotated
		} else {
			reloaded, err := s.KeyRotation.Reload(ctx)
			if err != nil {
				s.Logger.Error("failed to reload signing keys", "error", err)
			}
			res.KeysReloaded = reloaded
		}
	}

	s.Logger.Info("housekeeping cleanup completed",
		"expired_tokens_deleted", res.ExpiredTokensDeleted,
		"rate_limit_keys_swept", res.RateLimitKeysSwept,
		"keys_reloaded", res.KeysReloaded,
		"keys_rotated", res.KeysRotated,
	)
	return res
}
