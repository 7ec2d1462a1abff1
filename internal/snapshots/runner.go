package snapshots

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPollInterval = time.Second
	flushTimeout        = 30 * time.Second
)

var (
	errMissingCapturer  = errors.New("capturer is required")
	errMissingScheduler = errors.New("scheduler is required")
)

// Capturer takes one snapshot of a tree.
type Capturer interface {
	Capture(ctx context.Context, treeID string) (CaptureResult, error)
}

// Notifier receives unexpected capture failures.
type Notifier interface {
	Notify(ctx context.Context, err error)
}

// CaptureRunnerConfig describes the dependencies of a CaptureRunner.
type CaptureRunnerConfig struct {
	Capturer     Capturer
	Scheduler    *Scheduler
	PollInterval time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
	Notifier     Notifier
}

// CaptureRunner drives a Scheduler from a ticker and captures due trees.
type CaptureRunner struct {
	capturer     Capturer
	scheduler    *Scheduler
	pollInterval time.Duration
	clock        func() time.Time
	logger       *zap.Logger
	notifier     Notifier
}

// NewCaptureRunner validates the configuration and constructs a CaptureRunner.
func NewCaptureRunner(cfg CaptureRunnerConfig) (*CaptureRunner, error) {
	if cfg.Capturer == nil {
		return nil, errMissingCapturer
	}
	if cfg.Scheduler == nil {
		return nil, errMissingScheduler
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &CaptureRunner{
		capturer:     cfg.Capturer,
		scheduler:    cfg.Scheduler,
		pollInterval: pollInterval,
		clock:        clock,
		logger:       logger,
		notifier:     cfg.Notifier,
	}, nil
}

// Schedule requests a debounced capture of the tree.
func (r *CaptureRunner) Schedule(treeID string) {
	r.scheduler.Schedule(treeID, r.clock())
}

// Step captures every tree that is due at now and returns how many were attempted.
func (r *CaptureRunner) Step(ctx context.Context, now time.Time) int {
	due := r.scheduler.Due(now)
	for _, treeID := range due {
		r.capture(ctx, treeID)
	}
	return len(due)
}

// Flush captures every pending tree immediately.
func (r *CaptureRunner) Flush(ctx context.Context) int {
	pending := r.scheduler.Drain()
	for _, treeID := range pending {
		r.capture(ctx, treeID)
	}
	return len(pending)
}

// Run polls the scheduler until ctx is cancelled, then flushes pending captures.
func (r *CaptureRunner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			flushed := r.Flush(flushCtx)
			cancel()
			r.logger.Info("snapshot runner stopped", zap.Int("flushed", flushed))
			return nil
		case <-ticker.C:
			r.Step(ctx, r.clock())
		}
	}
}

func (r *CaptureRunner) capture(ctx context.Context, treeID string) {
	if _, err := r.capturer.Capture(ctx, treeID); err != nil {
		r.logger.Error("snapshot capture failed", zap.String(fieldTreeID, treeID), zap.Error(err))
		if r.notifier != nil {
			r.notifier.Notify(ctx, err)
		}
	}
}
