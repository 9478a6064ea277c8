package appday

import (
	"fmt"
	"time"
)

// Day identifies one reward period. The value is the calendar date, in the
// reference time zone, on which the period's cutover instant falls.
type Day string

const dayLayout = "2006-01-02"

// Clock maps wall-clock time onto reward days using a fixed cutover hour in a
// single reference time zone. Every caller in the service shares one Clock so
// on-chain and off-chain notions of "today" never disagree.
type Clock struct {
	location *time.Location
	cutover  int
}

// NewClock constructs a clock for the given reference zone and cutover hour.
func NewClock(loc *time.Location, cutoverHour int) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	if cutoverHour < 0 {
		cutoverHour = 0
	}
	if cutoverHour > 23 {
		cutoverHour = 23
	}
	return &Clock{location: loc, cutover: cutoverHour}
}

// Current returns the reward day containing now. Before the cutover hour on a
// calendar date the day is still the previous date's period.
func (c *Clock) Current(now time.Time) Day {
	local := now.In(c.location)
	date := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.location)
	if local.Hour() < c.cutover {
		date = date.AddDate(0, 0, -1)
	}
	return Day(date.Format(dayLayout))
}

// FromUnix converts a unix timestamp (e.g. the contract's lastRewardedAt
// value) into the reward day it belongs to.
func (c *Clock) FromUnix(ts int64) Day {
	return c.Current(time.Unix(ts, 0))
}

// Start returns the instant at which the given day's period opened.
func (c *Clock) Start(d Day) (time.Time, error) {
	date, err := time.ParseInLocation(dayLayout, string(d), c.location)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q: %w", d, err)
	}
	return date.Add(time.Duration(c.cutover) * time.Hour), nil
}

// Location exposes the reference zone, used when formatting timestamps.
func (c *Clock) Location() *time.Location {
	return c.location
}

// Previous returns the day before d.
func (d Day) Previous() (Day, error) {
	return d.shift(-1)
}

// Next returns the day after d.
func (d Day) Next() (Day, error) {
	return d.shift(1)
}

func (d Day) shift(days int) (Day, error) {
	date, err := time.Parse(dayLayout, string(d))
	if err != nil {
		return "", fmt.Errorf("invalid day %q: %w", d, err)
	}
	return Day(date.AddDate(0, 0, days).Format(dayLayout)), nil
}

// Valid reports whether d parses as a day key.
func (d Day) Valid() bool {
	_, err := time.Parse(dayLayout, string(d))
	return err == nil
}
