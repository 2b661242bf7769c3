package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var weekdays = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

var fullDayNames = map[string]string{
	"monday": "mon", "tuesday": "tue", "wednesday": "wed", "thursday": "thu",
	"friday": "fri", "saturday": "sat", "sunday": "sun",
}

// DayOfWeek is a weekday name in its three-letter form. JSON input may be a
// name (any case, short or full) or an integer where 0 is Monday.
type DayOfWeek string

func (d *DayOfWeek) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*d = ""
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*d = dayFromIndex(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("day_of_week must be a weekday name or an integer 0-6")
	}
	*d = ParseDayOfWeek(s)
	return nil
}

// ParseDayOfWeek normalizes a weekday name or a 0-6 index (0 is Monday).
// Unknown input is returned lowercased so validation can report it.
func ParseDayOfWeek(s string) DayOfWeek {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		return dayFromIndex(n)
	}
	for _, day := range weekdays {
		if s == day {
			return DayOfWeek(day)
		}
	}
	if short, ok := fullDayNames[s]; ok {
		return DayOfWeek(short)
	}
	return DayOfWeek(s)
}

func dayFromIndex(n int) DayOfWeek {
	if n < 0 || n >= len(weekdays) {
		return DayOfWeek(strconv.Itoa(n))
	}
	return DayOfWeek(weekdays[n])
}

// cronField maps the day to crontab numbering, where 0 is Sunday.
func (d DayOfWeek) cronField() (int, error) {
	if d == "" {
		return 1, nil
	}
	for i, day := range weekdays {
		if string(d) == day {
			return (i + 1) % 7, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown day_of_week %q", ErrInvalidSchedule, string(d))
}

// ParseCron checks that expr has exactly five fields and parses it with
// standard crontab semantics.
func ParseCron(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: cron expression must have 5 fields (minute hour day month day-of-week), got %d", ErrInvalidSchedule, len(fields))
	}
	if strings.HasPrefix(fields[0], "@") {
		return nil, fmt.Errorf("%w: only 5-field cron expressions are supported", ErrInvalidSchedule)
	}
	schedule, err := cronParser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return schedule, nil
}

// Validate reports whether the schedule can produce a trigger. Errors wrap ErrInvalidSchedule.
func (s ScheduleSpec) Validate() error {
	_, err := s.trigger()
	return err
}

// trigger builds the cron schedule for s. Manual specs yield nil.
func (s ScheduleSpec) trigger() (cron.Schedule, error) {
	switch s.Type {
	case ScheduleManual:
		return nil, nil
	case ScheduleHourly:
		return cron.Every(time.Hour), nil
	case ScheduleDaily:
		hour, minute, err := s.clock()
		if err != nil {
			return nil, err
		}
		return ParseCron(fmt.Sprintf("%d %d * * *", minute, hour))
	case ScheduleWeekly:
		hour, minute, err := s.clock()
		if err != nil {
			return nil, err
		}
		dow, err := s.DayOfWeek.cronField()
		if err != nil {
			return nil, err
		}
		return ParseCron(fmt.Sprintf("%d %d * * %d", minute, hour, dow))
	case ScheduleCustom:
		if strings.TrimSpace(s.CronExpression) == "" {
			return nil, fmt.Errorf("%w: cron_expression is required for custom schedules", ErrInvalidSchedule)
		}
		return ParseCron(s.CronExpression)
	default:
		return nil, fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, string(s.Type))
	}
}

func (s ScheduleSpec) clock() (int, int, error) {
	hour, minute := 0, 0
	if s.Hour != nil {
		hour = *s.Hour
	}
	if s.Minute != nil {
		minute = *s.Minute
	}
	if hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: hour must be between 0 and 23", ErrInvalidSchedule)
	}
	if minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: minute must be between 0 and 59", ErrInvalidSchedule)
	}
	return hour, minute, nil
}

// NextFireAt returns the first fire time strictly after now, or nil for manual
// schedules. The result depends only on its arguments.
func NextFireAt(spec ScheduleSpec, now time.Time) (*time.Time, error) {
	schedule, err := spec.trigger()
	if err != nil || schedule == nil {
		return nil, err
	}
	next := schedule.Next(now)
	return &next, nil
}

// NextOccurrences returns the next n fire times from a base time.
func NextOccurrences(spec ScheduleSpec, base time.Time, n int) ([]time.Time, error) {
	schedule, err := spec.trigger()
	if err != nil {
		return nil, err
	}
	if schedule == nil || n <= 0 {
		return []time.Time{}, nil
	}
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times, nil
}

// Describe renders the trigger in a short human readable form.
func (s ScheduleSpec) Describe() string {
	hour, minute, _ := s.clock()
	switch s.Type {
	case ScheduleHourly:
		return "every hour"
	case ScheduleDaily:
		return fmt.Sprintf("daily at %02d:%02d", hour, minute)
	case ScheduleWeekly:
		day := s.DayOfWeek
		if day == "" {
			day = "mon"
		}
		return fmt.Sprintf("weekly on %s at %02d:%02d", day, hour, minute)
	case ScheduleCustom:
		return "cron[" + strings.Join(strings.Fields(s.CronExpression), " ") + "]"
	default:
		return "manual"
	}
}
