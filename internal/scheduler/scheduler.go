// internal/scheduler/scheduler.go
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Handler is the callback invoked when a schedule fires, carrying the
// composition instruction for the post.
type Handler func(instruction string)

// Scheduler fires automatic posting jobs on a cron schedule.
type Scheduler struct {
	handler Handler
	cron    *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler. The handler is called each time a schedule
// fires.
func New(handler Handler) *Scheduler {
	return &Scheduler{
		handler: handler,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// Add registers a posting job. Returns an error for an invalid
// schedule expression.
func (s *Scheduler) Add(name, schedule, instruction string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		slog.Info("cron firing post job", "name", name)
		s.handler(instruction)
	})
	if err != nil {
		return err
	}
	slog.Info("scheduled post job", "name", name, "schedule", schedule)
	return nil
}

// Start starts the cron ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron ticker.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
