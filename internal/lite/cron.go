// Copyright 2025 The Dazzle Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lite

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSchedule is a compiled five-field cron expression. Matching is
// minute-granular in UTC; all five fields must match (day-of-month and
// day-of-week are both required, not alternatives).
type cronSchedule struct {
	minute map[int]bool
	hour   map[int]bool
	dom    map[int]bool
	month  map[int]bool
	dow    map[int]bool
}

// parseCron compiles a "m h dom mon dow" expression. Each field accepts "*",
// a single integer, a comma list, "lo-hi", "*/n", or "lo-hi/n". Day-of-week
// is Sunday-0 through 6; no name abbreviations.
func parseCron(expr string) (*cronSchedule, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression needs 5 fields, got %d", len(fields))
	}

	minute, err := parseCronField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minute field: %w", err)
	}
	hour, err := parseCronField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hour field: %w", err)
	}
	dom, err := parseCronField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day-of-month field: %w", err)
	}
	month, err := parseCronField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month field: %w", err)
	}
	dow, err := parseCronField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("day-of-week field: %w", err)
	}

	return &cronSchedule{minute: minute, hour: hour, dom: dom, month: month, dow: dow}, nil
}

// parseCronField expands one field into its value set.
func parseCronField(field string, lo, hi int) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return nil, fmt.Errorf("empty list element in %q", field)
		}
		if err := parseCronPart(part, lo, hi, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// parseCronPart expands one comma-list element into the set.
func parseCronPart(part string, lo, hi int, set map[int]bool) error {
	step := 1
	base := part
	if idx := strings.IndexByte(part, '/'); idx >= 0 {
		n, err := strconv.Atoi(part[idx+1:])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid step in %q", part)
		}
		step = n
		base = part[:idx]
	}

	start, end := lo, hi
	switch {
	case base == "*":
	case strings.Contains(base, "-"):
		bounds := strings.SplitN(base, "-", 2)
		a, err1 := strconv.Atoi(bounds[0])
		b, err2 := strconv.Atoi(bounds[1])
		if err1 != nil || err2 != nil {
			return fmt.Errorf("invalid range %q", base)
		}
		if a < lo || b > hi || a > b {
			return fmt.Errorf("range %q out of bounds %d-%d", base, lo, hi)
		}
		start, end = a, b
	default:
		n, err := strconv.Atoi(base)
		if err != nil {
			return fmt.Errorf("invalid value %q", base)
		}
		if n < lo || n > hi {
			return fmt.Errorf("value %d out of bounds %d-%d", n, lo, hi)
		}
		if step != 1 {
			return fmt.Errorf("step requires * or a range, got %q", part)
		}
		start, end = n, n
	}

	for v := start; v <= end; v += step {
		set[v] = true
	}
	return nil
}

// matches reports whether the minute containing t satisfies all five fields.
func (c *cronSchedule) matches(t time.Time) bool {
	t = t.UTC()
	return c.minute[t.Minute()] &&
		c.hour[t.Hour()] &&
		c.dom[t.Day()] &&
		c.month[int(t.Month())] &&
		c.dow[int(t.Weekday())]
}

// dueSince reports whether any whole minute in (last, now] matches, looking
// back at most 24 hours. The walk starts at the first minute boundary after
// last, so a trigger recorded at T never re-fires within T's minute.
func (c *cronSchedule) dueSince(last, now time.Time) bool {
	last = last.UTC()
	now = now.UTC()
	if floor := now.Add(-24 * time.Hour); last.Before(floor) {
		last = floor
	}

	for m := last.Truncate(time.Minute).Add(time.Minute); !m.After(now); m = m.Add(time.Minute) {
		if c.matches(m) {
			return true
		}
	}
	return false
}
