package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/deqlabs/deq/internal/models"
)

// monthlyScanLimit bounds how many months ahead a monthly schedule is probed
// for a valid calendar date.
const monthlyScanLimit = 12

// ComputeNextRun returns the next fire time for a task at or after now,
// anchored to local wall-clock time. It returns (nil, nil) for disabled tasks,
// unknown schedule types, and monthly schedules with no valid occurrence
// within the scan limit. A malformed schedule yields an error.
func ComputeNextRun(task *models.Task, now time.Time) (*time.Time, error) {
	if !task.Enabled {
		return nil, nil
	}

	hour, minute, err := parseClock(task.Schedule.Time)
	if err != nil {
		return nil, err
	}

	switch task.Schedule.Type {
	case models.ScheduleHourly:
		next := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.Add(time.Hour)
		}
		return &next, nil

	case models.ScheduleDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return &next, nil

	case models.ScheduleWeekly:
		day := task.Schedule.Day
		if day < 0 || day > 6 {
			return nil, fmt.Errorf("invalid weekday %d", day)
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		offset := day - int(now.Weekday())
		if offset < 0 || (offset == 0 && !next.After(now)) {
			offset += 7
		}
		next = next.AddDate(0, 0, offset)
		return &next, nil

	case models.ScheduleMonthly:
		date := task.Schedule.Date
		if date < 1 || date > 31 {
			return nil, fmt.Errorf("invalid day of month %d", date)
		}
		year, month := now.Year(), now.Month()
		for i := 0; i < monthlyScanLimit; i++ {
			candidate := time.Date(year, month, date, hour, minute, 0, 0, now.Location())
			// time.Date normalizes overflow (e.g. Feb 31 -> Mar 3), which
			// means the month has no such date.
			if candidate.Day() == date && candidate.After(now) {
				return &candidate, nil
			}
			month++
			if month > time.December {
				month = time.January
				year++
			}
		}
		return nil, nil

	default:
		return nil, nil
	}
}

// parseClock parses "HH:MM". An empty string defaults to 03:00.
func parseClock(s string) (hour, minute int, err error) {
	if s == "" {
		return 3, 0, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid schedule time %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid schedule time %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid schedule time %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("schedule time %q out of range", s)
	}
	return hour, minute, nil
}
