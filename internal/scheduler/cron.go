package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronParser wraps robfig/cron for parsing cron expressions.
type CronParser struct {
	parser cron.Parser
}

// NewCronParser creates a new cron parser with standard options.
func NewCronParser() *CronParser {
	return &CronParser{
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
	}
}

// Parse parses a cron expression and returns a schedule.
func (p *CronParser) Parse(expression string) (cron.Schedule, error) {
	schedule, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parsing cron expression: %w", err)
	}
	return schedule, nil
}

// Validate rejects invalid expressions and timezones before persistence.
func (p *CronParser) Validate(expression, timezone string) error {
	if _, err := p.Parse(expression); err != nil {
		return err
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return fmt.Errorf("loading timezone: %w", err)
	}
	return nil
}

// NextRun calculates the next run time for a cron expression in a
// specific timezone, strictly after the given time.
func (p *CronParser) NextRun(expression, timezone string, after time.Time) (time.Time, error) {
	schedule, err := p.Parse(expression)
	if err != nil {
		return time.Time{}, err
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("loading timezone: %w", err)
	}

	afterInTZ := after.In(loc)

	return schedule.Next(afterInTZ), nil
}
