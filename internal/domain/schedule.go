package domain

import (
	"encoding/json"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

// maxCatchUp bounds how many missed firings are skipped over when locating the
// most recent due firing after downtime.
const maxCatchUp = 10000

// Schedule binds a queue to a cron expression evaluated in a fixed timezone.
type Schedule struct {
	Queue       QueueName
	Cron        string
	Timezone    string
	Payload     json.RawMessage
	LastFiredAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks the cron expression, the timezone and the payload.
func (s *Schedule) Validate() error {
	if _, _, err := s.parse(); err != nil {
		return err
	}
	return ValidatePayload(s.Queue, s.Payload)
}

func (s *Schedule) parse() (cron.Schedule, *time.Location, error) {
	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, tz, err)
	}
	sched, err := cron.ParseStandard(s.Cron)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, s.Cron, err)
	}
	return sched, loc, nil
}

// Due returns the latest firing in (since, now]. Missed firings collapse into one.
func (s *Schedule) Due(now time.Time) (time.Time, bool, error) {
	sched, loc, err := s.parse()
	if err != nil {
		return time.Time{}, false, err
	}
	since := s.LastFiredAt
	if since.IsZero() {
		since = s.CreatedAt
	}

	var due time.Time
	next := sched.Next(since.In(loc))
	for i := 0; i < maxCatchUp && !next.IsZero() && !next.After(now); i++ {
		due = next
		next = sched.Next(next)
	}
	if due.IsZero() {
		return time.Time{}, false, nil
	}
	return due.UTC(), true, nil
}

// SingletonKey names the job materialized for the firing at t.
func (s *Schedule) SingletonKey(t time.Time) string {
	return fmt.Sprintf("schedule:%s:%d", s.Queue, t.Unix())
}
