package job

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// repeatParser accepts five- or six-field cron expressions and descriptors
// such as "@hourly" or "@every 30s".
var repeatParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseRepeat parses a repeat specification.
func ParseRepeat(spec string) (cron.Schedule, error) {
	schedule, err := repeatParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidRepeat, spec, err)
	}
	return schedule, nil
}

// NextFire calculates the next due date of a timer job.
// Returns nil if:
//   - the job is not a repeating timer
//   - MaxIterations firings have completed
//   - the next occurrence falls after the timer's end date
//
// The next occurrence is computed from the current due date. Occurrences
// already in the past collapse to now so a timer that fell behind fires
// once rather than catching up on every missed occurrence.
func NextFire(j *Job, now time.Time) (*time.Time, error) {
	if !j.IsTimer() || j.Timer.Repeat == "" {
		return nil, nil
	}
	if j.Timer.MaxIterations > 0 && j.Timer.Iterations >= j.Timer.MaxIterations {
		return nil, nil
	}

	schedule, err := ParseRepeat(j.Timer.Repeat)
	if err != nil {
		return nil, err
	}

	base := j.DueDate
	if base.IsZero() {
		base = now
	}
	next := schedule.Next(base)
	if next.IsZero() {
		return nil, nil
	}

	if j.Timer.EndDate != nil && next.After(*j.Timer.EndDate) {
		return nil, nil
	}

	if next.Before(now) {
		next = now
	}
	next = next.UTC()
	return &next, nil
}
