// Package janitor runs background maintenance on a cron schedule:
// retrying failed chat saves, pruning idle sessions, and dropping
// finished turn handles.
package janitor

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Janitor schedules named maintenance jobs.
type Janitor struct {
	cron *cron.Cron
}

// New creates an empty Janitor.
func New() *Janitor {
	return &Janitor{
		cron: cron.New(cron.WithParser(cronParser)),
	}
}

// Add registers fn to run on the given cron schedule.
func (j *Janitor) Add(name, schedule string, fn func()) error {
	_, err := j.cron.AddFunc(schedule, func() {
		slog.Debug("janitor job firing", "name", name)
		fn()
	})
	if err != nil {
		return err
	}
	slog.Info("janitor job scheduled", "name", name, "schedule", schedule)
	return nil
}

// Start begins the cron ticker.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop stops the cron ticker. Jobs already running are not interrupted.
func (j *Janitor) Stop() {
	j.cron.Stop()
}
