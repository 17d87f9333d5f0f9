package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stagebox/kiosk/internal/download"
	"github.com/stagebox/kiosk/internal/license"
	"github.com/stagebox/kiosk/internal/syncer"
	"go.uber.org/zap"
)

var (
	errMissingSyncer    = errors.New("sync engine is required")
	errMissingDownloads = errors.New("download manager is required")
	errMissingLicense   = errors.New("license service is required")
	noOpLogger          = zap.NewNop()
)

// Config describes the periodic work the kiosk runs while idle.
type Config struct {
	Syncer             *syncer.Service
	Downloads          *download.Manager
	License            *license.Service
	Pauser             download.Pauser
	SyncInterval       time.Duration
	DownloadInterval   time.Duration
	RevalidateInterval time.Duration
	DownloadBatchSize  int
	Logger             *zap.Logger
}

// Scheduler drives sync passes, download batches and license re-checks on
// timers so the playback path never has to.
type Scheduler struct {
	cron   *cron.Cron
	cfg    Config
	logger *zap.Logger
}

type alwaysRunning struct{}

func (alwaysRunning) Paused() bool { return false }

// New constructs the scheduler without starting it.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Syncer == nil {
		return nil, errMissingSyncer
	}
	if cfg.Downloads == nil {
		return nil, errMissingDownloads
	}
	if cfg.License == nil {
		return nil, errMissingLicense
	}
	if cfg.Pauser == nil {
		cfg.Pauser = alwaysRunning{}
	}
	if cfg.DownloadBatchSize <= 0 {
		cfg.DownloadBatchSize = 5
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Scheduler{
		cron:   cron.New(),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Start registers the periodic jobs and launches the cron loop. Jobs run
// until Stop; each pass is independent and failure-tolerant, so an outage
// just makes passes cheap no-ops until the network returns.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.addJob(s.cfg.SyncInterval, func() {
		s.cfg.Syncer.SyncAll(ctx)
	}); err != nil {
		return fmt.Errorf("register sync job: %w", err)
	}

	if err := s.addJob(s.cfg.DownloadInterval, func() {
		if s.cfg.Pauser.Paused() {
			s.logger.Debug("downloads paused, skipping batch")
			return
		}
		result := s.cfg.Downloads.DownloadBatch(ctx, s.cfg.DownloadBatchSize, nil)
		if result.Downloaded > 0 || len(result.Errors) > 0 {
			s.logger.Info("download batch complete",
				zap.Int("downloaded", result.Downloaded),
				zap.Int("remaining", result.Remaining),
				zap.Int("errors", len(result.Errors)))
		}
	}); err != nil {
		return fmt.Errorf("register download job: %w", err)
	}

	if err := s.addJob(s.cfg.RevalidateInterval, func() {
		status := s.cfg.License.Validate(ctx)
		s.logger.Info("periodic license check",
			zap.Bool("activated", status.Activated),
			zap.String("mode", status.Mode))
	}); err != nil {
		return fmt.Errorf("register license job: %w", err)
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) addJob(interval time.Duration, job func()) error {
	if interval <= 0 {
		return nil
	}
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), job)
	return err
}
