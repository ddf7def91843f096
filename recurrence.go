package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ncecere/scrapesched/models"
)

// cronParser is the 5-field parser shared by NextFireAfter and the
// dispatcher, so both agree on fire instants.
// No Descriptor support: the recurrence kinds are a closed set and raw cron
// strings are never accepted from callers.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// BuildCronSpec derives the 5-field cron expression for a job's schedule.
// The expression is interpreted in the job's timezone, not the process
// default.
func BuildCronSpec(job *models.ScheduledJob) (string, error) {
	cfg := job.ScheduleConfig

	switch job.ScheduleType {
	case models.ScheduleTypeInterval:
		if cfg.Interval < 1 {
			return "", fmt.Errorf("%w: interval must be at least 1", ErrScheduleConfigInvalid)
		}
		switch cfg.Unit {
		case "minutes":
			return fmt.Sprintf("*/%d * * * *", cfg.Interval), nil
		case "hours":
			return fmt.Sprintf("0 */%d * * *", cfg.Interval), nil
		case "days":
			return fmt.Sprintf("0 0 */%d * *", cfg.Interval), nil
		default:
			return "", fmt.Errorf("%w: unknown interval unit %q", ErrScheduleConfigInvalid, cfg.Unit)
		}

	case models.ScheduleTypeHourly:
		return "0 * * * *", nil

	case models.ScheduleTypeDaily:
		hour, minute, err := parseHHMM(cfg.Time)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * *", minute, hour), nil

	case models.ScheduleTypeWeekly:
		hour, minute, err := parseHHMM(cfg.Time)
		if err != nil {
			return "", err
		}
		if len(cfg.Days) == 0 {
			return "", fmt.Errorf("%w: weekly schedule requires at least one day", ErrScheduleConfigInvalid)
		}
		days := slices.Clone(cfg.Days)
		slices.Sort(days)
		days = slices.Compact(days)
		parts := make([]string, len(days))
		for i, day := range days {
			if day < 0 || day > 6 {
				return "", fmt.Errorf("%w: day %d out of range 0..6", ErrScheduleConfigInvalid, day)
			}
			parts[i] = strconv.Itoa(day)
		}
		return fmt.Sprintf("%d %d * * %s", minute, hour, strings.Join(parts, ",")), nil

	case models.ScheduleTypeMonthly:
		hour, minute, err := parseHHMM(cfg.Time)
		if err != nil {
			return "", err
		}
		if cfg.Date < 1 || cfg.Date > 31 {
			return "", fmt.Errorf("%w: date %d out of range 1..31", ErrScheduleConfigInvalid, cfg.Date)
		}
		return fmt.Sprintf("%d %d %d * *", minute, hour, cfg.Date), nil

	default:
		return "", fmt.Errorf("%w: unknown schedule type %q", ErrScheduleConfigInvalid, job.ScheduleType)
	}
}

// NextFireAfter computes the earliest instant strictly after ref at which
// the job's schedule fires, evaluated in the job's timezone and returned in
// UTC. Monthly schedules on a date that a short month lacks skip that month
// entirely; the date is never clamped to month-end.
func NextFireAfter(job *models.ScheduledJob, ref time.Time) (time.Time, error) {
	spec, err := BuildCronSpec(job)
	if err != nil {
		return time.Time{}, err
	}

	sched, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrScheduleConfigInvalid, err)
	}

	loc, err := loadTimezone(job.Timezone)
	if err != nil {
		return time.Time{}, err
	}

	return sched.Next(ref.In(loc)).UTC(), nil
}

func loadTimezone(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrScheduleConfigInvalid, tz)
	}
	return loc, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: invalid time %q, expected HH:MM", ErrScheduleConfigInvalid, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w: invalid hour in %q", ErrScheduleConfigInvalid, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: invalid minute in %q", ErrScheduleConfigInvalid, s)
	}
	return h, m, nil
}
