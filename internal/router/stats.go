package router

import (
	"sync"
	"time"
)

// RouteError is one entry of a route's recent error ring.
type RouteError struct {
	At      time.Time `json:"at"`
	EventID string    `json:"eventId"`
	Message string    `json:"message"`
}

// RouteMetrics is a snapshot of one route's counters.
type RouteMetrics struct {
	RouteID         string       `json:"routeId"`
	Name            string       `json:"name"`
	Matches         int64        `json:"matches"`
	Executions      int64        `json:"executions"`
	Successes       int64        `json:"successes"`
	Failures        int64        `json:"failures"`
	Skipped         int64        `json:"skipped"`
	Excluded        int64        `json:"excludedByBreaker"`
	AvgExecutionMs  float64      `json:"avgExecutionMs"`
	LastExecutedAt  *time.Time   `json:"lastExecutedAt,omitempty"`
	RecentErrors    []RouteError `json:"recentErrors"`
	BreakerState    string       `json:"breakerState"`
	BreakerFailures uint32       `json:"breakerFailures"`
}

type routeStats struct {
	mu           sync.Mutex
	matches      int64
	executions   int64
	successes    int64
	failures     int64
	skipped      int64
	excluded     int64
	totalTime    time.Duration
	lastExecuted time.Time
	recent       []RouteError
	recentCap    int
}

func newRouteStats(recentCap int) *routeStats {
	if recentCap <= 0 {
		recentCap = 10
	}
	return &routeStats{recentCap: recentCap}
}

func (s *routeStats) recordMatch() {
	s.mu.Lock()
	s.matches++
	s.mu.Unlock()
}

func (s *routeStats) recordExcluded() {
	s.mu.Lock()
	s.excluded++
	s.mu.Unlock()
}

func (s *routeStats) recordSkipped() {
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()
}

func (s *routeStats) recordExecution(at time.Time, d time.Duration, eventID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions++
	s.totalTime += d
	s.lastExecuted = at
	if err == nil {
		s.successes++
		return
	}
	s.failures++
	s.recent = append(s.recent, RouteError{At: at, EventID: eventID, Message: err.Error()})
	if len(s.recent) > s.recentCap {
		s.recent = append([]RouteError(nil), s.recent[len(s.recent)-s.recentCap:]...)
	}
}

func (s *routeStats) snapshot(id, name string) RouteMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := RouteMetrics{
		RouteID:      id,
		Name:         name,
		Matches:      s.matches,
		Executions:   s.executions,
		Successes:    s.successes,
		Failures:     s.failures,
		Skipped:      s.skipped,
		Excluded:     s.excluded,
		RecentErrors: append([]RouteError{}, s.recent...),
	}
	if s.executions > 0 {
		m.AvgExecutionMs = float64(s.totalTime.Microseconds()) / 1000 / float64(s.executions)
		last := s.lastExecuted
		m.LastExecutedAt = &last
	}
	return m
}

// Metrics aggregates routing activity.
type Metrics struct {
	TotalRoutings     int64          `json:"totalRoutings"`
	MatchedRoutings   int64          `json:"matchedRoutings"`
	UnmatchedRoutings int64          `json:"unmatchedRoutings"`
	FailedRoutings    int64          `json:"failedRoutings"`
	AvgRoutingMs      float64        `json:"avgRoutingMs"`
	ActiveRoutes      int            `json:"activeRoutes"`
	Routes            []RouteMetrics `json:"routes"`
}

type routerTotals struct {
	mu        sync.Mutex
	total     int64
	matched   int64
	unmatched int64
	failed    int64
	totalTime time.Duration
}

func (t *routerTotals) record(matched, failed bool, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	t.totalTime += d
	if matched {
		t.matched++
	} else {
		t.unmatched++
	}
	if failed {
		t.failed++
	}
}
