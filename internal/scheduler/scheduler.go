// Package scheduler runs the pipeline's periodic maintenance: the upload-session sweep and
// the durable-tier reconcile.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/robfig/cron/v3"
)

// Job is a periodic task. Run gets a context that is cancelled when the scheduler stops.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

type Scheduler struct {
	cron   *cron.Cron
	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
	stop    sync.Once
}

func New(logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.NewLogger()
	}
	adapter := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(adapter),
			cron.SkipIfStillRunning(adapter),
		)),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers job. A job whose previous run is still going is skipped.
func (s *Scheduler) Add(job Job) error {
	if job.Every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: no run function", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	id, err := s.cron.AddFunc("@every "+job.Every.String(), func() {
		if err := job.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warnf("Scheduled job %s failed: %v", job.Name, err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", job.Name, err)
	}
	s.entries[job.Name] = id
	s.logger.Infof("Scheduled job %s every %s", job.Name, job.Every)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stop.Do(func() {
		s.cancel()
		done := s.cron.Stop()
		select {
		case <-done.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// cronLogger routes cron's own messages to the service logger.
type cronLogger struct {
	logger log.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugf("cron: %s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorf("cron: %s: %v %v", msg, err, keysAndValues)
}
