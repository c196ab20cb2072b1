// Package health implements the resource-aware /health rollup (§6.4):
// per-account session state folded together with host resource sampling
// into an ok/degraded/critical classification.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/marketstream/internal/upstream"
)

// Status is the top-level health classification returned by §6.4's
// GET /health.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// tickStaleAfter is how long an account can go without a decoded tick
// during market hours before it is considered critical (§6.4).
const tickStaleAfter = 60 * time.Second

// AccountSession is the subset of Session Orchestrator state the health
// rollup needs. *upstream.Orchestrator satisfies this directly.
type AccountSession interface {
	State() upstream.State
	LastTickAt() time.Time
}

// MarketClock answers whether the market is currently open, used to gate
// the tick-staleness check (ticks are expected to flow only during market
// hours). internal/calendar.Client satisfies this directly.
type MarketClock interface {
	IsOpen(ctx context.Context, code string, t time.Time) (bool, error)
}

// Component is one named subsystem's contribution to the overall rollup.
type Component struct {
	Status  Status `json:"status"`
	Detail  string `json:"detail,omitempty"`
}

// Report is the full GET /health response body.
type Report struct {
	Status     Status               `json:"status"`
	Components map[string]Component `json:"components"`
	CPUPercent float64              `json:"cpu_percent"`
	MemPercent float64              `json:"mem_percent"`
}

// Checker builds a Report by combining per-account session state with
// host resource sampling.
type Checker struct {
	sessions     map[string]AccountSession
	clock        MarketClock
	calendarCode string
	log          zerolog.Logger
}

// NewChecker constructs a Checker over a fixed set of named account
// sessions (account ID -> Session Orchestrator).
func NewChecker(sessions map[string]AccountSession, clock MarketClock, calendarCode string, log zerolog.Logger) *Checker {
	return &Checker{
		sessions:     sessions,
		clock:        clock,
		calendarCode: calendarCode,
		log:          log.With().Str("component", "health").Logger(),
	}
}

// Check samples host resources and every account's session state and
// classifies the result per §6.4:
//   - critical: no LIVE accounts, or upstream has yielded no ticks for
//     more than 60s during market hours
//   - degraded: at least one account in RETRY_BACKOFF
//   - ok: otherwise
func (c *Checker) Check(ctx context.Context) Report {
	now := time.Now()
	marketOpen := false
	if c.clock != nil {
		open, err := c.clock.IsOpen(ctx, c.calendarCode, now)
		if err != nil {
			c.log.Warn().Err(err).Msg("failed to check market calendar, treating market as closed")
		} else {
			marketOpen = open
		}
	}

	components := make(map[string]Component, len(c.sessions)+1)

	liveCount := 0
	degraded := false
	critical := false

	for accountID, sess := range c.sessions {
		state := sess.State()
		detail := string(state)

		switch state {
		case upstream.StateSubscribed:
			liveCount++
			if marketOpen {
				last := sess.LastTickAt()
				if last.IsZero() || now.Sub(last) > tickStaleAfter {
					critical = true
					detail = "no ticks received in over 60s during market hours"
				}
			}
		case upstream.StateRetryBackoff:
			degraded = true
		}

		status := StatusOK
		if state == upstream.StateRetryBackoff {
			status = StatusDegraded
		}
		components[accountID] = Component{Status: status, Detail: detail}
	}

	if marketOpen && liveCount == 0 {
		critical = true
	}

	cpuPercent, memPercent, err := sampleResources()
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to sample host resources")
	}
	components["host"] = Component{Status: StatusOK}

	overall := StatusOK
	switch {
	case critical:
		overall = StatusCritical
	case degraded:
		overall = StatusDegraded
	}

	return Report{
		Status:     overall,
		Components: components,
		CPUPercent: cpuPercent,
		MemPercent: memPercent,
	}
}

// sampleResources reads CPU and memory utilization the way the teacher's
// system handlers do: a short 100ms CPU sample to keep the health
// endpoint responsive, plus an instantaneous memory read.
func sampleResources() (cpuPercent, memPercent float64, err error) {
	percents, cpuErr := cpu.Percent(100*time.Millisecond, false)
	if cpuErr == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	} else {
		err = cpuErr
	}

	vm, memErr := mem.VirtualMemory()
	if memErr == nil {
		memPercent = vm.UsedPercent
	} else if err == nil {
		err = memErr
	}
	return cpuPercent, memPercent, err
}
