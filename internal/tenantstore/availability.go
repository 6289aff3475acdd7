package tenantstore

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/voicedesk/secretary/internal/calldata"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Availability evaluates whether a transfer destination is open,
// based on its configured working-hours cron schedule. An empty
// WorkingHours string means always open. The schedule names the
// opening minute of each working window; a destination is open when
// the schedule's most recent firing falls within the current minute,
// mirroring how a cron-driven heartbeat job would mark itself "due".
type Availability struct {
	mu    sync.Mutex
	cache map[string]cron.Schedule
}

// NewAvailability constructs an Availability checker satisfying
// transfer.AvailabilityChecker.
func NewAvailability() *Availability {
	return &Availability{cache: make(map[string]cron.Schedule)}
}

// Available reports whether dest is enabled and, if it has configured
// working hours, currently within them at the given instant.
func (a *Availability) Available(dest calldata.TransferDestination, at time.Time) bool {
	if !dest.Enabled {
		return false
	}
	if dest.WorkingHours == "" {
		return true
	}

	schedule, err := a.schedule(dest.WorkingHours)
	if err != nil {
		// An unparseable schedule is a configuration error, not a
		// transient availability signal; fail closed.
		return false
	}

	windowStart := at.Truncate(time.Minute)
	next := schedule.Next(windowStart.Add(-time.Minute))
	return !next.After(windowStart) && next.Add(time.Minute).After(windowStart)
}

func (a *Availability) schedule(expr string) (cron.Schedule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.cache[expr]; ok {
		return s, nil
	}
	s, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	a.cache[expr] = s
	return s, nil
}
