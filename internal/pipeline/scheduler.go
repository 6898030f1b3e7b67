package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	JobPersistTick      = "persist-tick"
	JobAnnotationReload = "annotation-reload"
	JobSnapshotArchive  = "snapshot-archive"
)

var errMissingTask = errors.New("pipeline: job task is required")

// Scheduler runs the periodic jobs. Every job is a singleton: a run that is still busy
// when the next one is due causes that run to be skipped.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *zap.Logger
}

// NewScheduler builds a stopped scheduler in UTC.
func NewScheduler(logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("pipeline: create scheduler: %w", err)
	}
	return &Scheduler{scheduler: scheduler, logger: logger}, nil
}

// Every registers task to run at a fixed interval.
func (s *Scheduler) Every(name string, interval time.Duration, task func()) error {
	if task == nil {
		return errMissingTask
	}
	if interval <= 0 {
		return fmt.Errorf("pipeline: job %s: interval must be positive", name)
	}
	if _, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("pipeline: register job %s: %w", name, err)
	}
	s.logger.Info("job registered", zap.String("job", name), zap.Duration("interval", interval))
	return nil
}

// Cron registers task on a standard five-field cron expression or a descriptor such
// as @daily.
func (s *Scheduler) Cron(name, expression string, task func()) error {
	if task == nil {
		return errMissingTask
	}
	expression = strings.TrimSpace(expression)
	schedule, err := ParseCron(expression)
	if err != nil {
		return fmt.Errorf("pipeline: job %s: %w", name, err)
	}
	if _, err := s.scheduler.NewJob(
		gocron.CronJob(expression, false),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("pipeline: register job %s: %w", name, err)
	}
	s.logger.Info("job registered",
		zap.String("job", name),
		zap.String("cron", expression),
		zap.Time("next_run", schedule.Next(time.Now().UTC())))
	return nil
}

// Start begins running registered jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Shutdown stops the scheduler and waits for running jobs.
func (s *Scheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}

// ParseCron validates a cron expression with the same grammar gocron applies to
// CronJob without seconds.
func ParseCron(expression string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}
	return schedule, nil
}
