package metering

// Per-agent usage metering. The Store interface is implemented by an
// in-memory variant (dev & unit tests) and a badger-backed variant for
// deployments that need the data to survive restarts.

import (
	"fmt"
	"strconv"
	"time"
)

// Metrics are the metered quantities of one task execution.
type Metrics struct {
	TokensIn   int64 `json:"tokens_in"`
	TokensOut  int64 `json:"tokens_out"`
	DurationMS int64 `json:"duration_ms"`
	APICalls   int64 `json:"api_calls"`
}

// UsageEvent is a per-task record of metered quantities. Timestamps are
// always timezone-aware; Validate normalises them to UTC.
type UsageEvent struct {
	TaskID     string    `json:"task_id"`
	AgentID    string    `json:"agent_id"`
	ConsumerID string    `json:"consumer_id"`
	Metrics    Metrics   `json:"metrics"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e *UsageEvent) Validate() error {
	if e.TaskID == "" {
		return fmt.Errorf("usage event missing task_id")
	}
	if e.AgentID == "" {
		return fmt.Errorf("usage event missing agent_id")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("usage event missing timestamp")
	}
	e.Timestamp = e.Timestamp.UTC()
	return nil
}

// TotalTokens is the headline figure: input plus output tokens.
func (e *UsageEvent) TotalTokens() int64 {
	return e.Metrics.TokensIn + e.Metrics.TokensOut
}

/*
Filter narrows queries and aggregations. The time range is half-open:
Start <= timestamp < End. Zero values mean "unbounded".
*/
type Filter struct {
	AgentID    string
	ConsumerID string
	TaskID     string
	Start      time.Time
	End        time.Time
	Limit      int
	Offset     int
}

// Matches applies the identity and time-range predicates (not pagination).
func (f Filter) Matches(e *UsageEvent) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.ConsumerID != "" && e.ConsumerID != f.ConsumerID {
		return false
	}
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !e.Timestamp.Before(f.End) {
		return false
	}
	return true
}

type GroupBy string

const (
	GroupByAgent    GroupBy = "agent"
	GroupByConsumer GroupBy = "consumer"
	GroupByDay      GroupBy = "day"
	GroupByWeek     GroupBy = "week"
)

func (g GroupBy) Valid() bool {
	switch g {
	case GroupByAgent, GroupByConsumer, GroupByDay, GroupByWeek:
		return true
	}
	return false
}

// Key computes the bucket key for an event. Day buckets are YYYY-MM-DD in
// UTC; week buckets use the ISO week.
func (g GroupBy) Key(e *UsageEvent) string {
	switch g {
	case GroupByAgent:
		return e.AgentID
	case GroupByConsumer:
		return e.ConsumerID
	case GroupByDay:
		return e.Timestamp.UTC().Format("2006-01-02")
	case GroupByWeek:
		year, week := e.Timestamp.UTC().ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	}
	return ""
}

// Totals are the per-group aggregation figures.
type Totals struct {
	TotalTokens     int64 `json:"total_tokens"`
	TotalTasks      int64 `json:"total_tasks"`
	TotalAPICalls   int64 `json:"total_api_calls"`
	TotalDurationMS int64 `json:"total_duration_ms"`
}

func (t *Totals) add(e *UsageEvent) {
	t.TotalTokens += e.TotalTokens()
	t.TotalTasks++
	t.TotalAPICalls += e.Metrics.APICalls
	t.TotalDurationMS += e.Metrics.DurationMS
}

// Summary extends Totals with distinct-identity counts.
type Summary struct {
	Totals
	UniqueAgents    int `json:"unique_agents"`
	UniqueConsumers int `json:"unique_consumers"`
}

// Stats describes the store itself.
type Stats struct {
	TotalEvents         int        `json:"total_events"`
	OldestTimestamp     *time.Time `json:"oldest_timestamp,omitempty"`
	RetentionTTLSeconds *int64     `json:"retention_ttl_seconds,omitempty"`
}

/*
Store is the metering interface. Every method is safe for concurrent use.
An unknown GroupBy fails; PurgeExpired returns 0 when no retention TTL is
configured.
*/
type Store interface {
	Record(event UsageEvent) error
	Query(filter Filter) ([]UsageEvent, error)
	Aggregate(groupBy GroupBy, filter Filter) (map[string]Totals, error)
	Summary(filter Filter) (Summary, error)
	Stats() (Stats, error)
	PurgeExpired() (int, error)
	Close() error
}

// aggregate and summarize are shared by both store implementations once the
// filtered events are in hand.
func aggregate(events []UsageEvent, groupBy GroupBy) (map[string]Totals, error) {
	if !groupBy.Valid() {
		return nil, fmt.Errorf("unknown group_by %q: want agent, consumer, day or week", groupBy)
	}

	out := map[string]Totals{}
	for i := range events {
		key := groupBy.Key(&events[i])
		totals := out[key]
		totals.add(&events[i])
		out[key] = totals
	}
	return out, nil
}

func summarize(events []UsageEvent) Summary {
	var summary Summary
	agents := map[string]struct{}{}
	consumers := map[string]struct{}{}

	for i := range events {
		summary.add(&events[i])
		agents[events[i].AgentID] = struct{}{}
		if events[i].ConsumerID != "" {
			consumers[events[i].ConsumerID] = struct{}{}
		}
	}

	summary.UniqueAgents = len(agents)
	summary.UniqueConsumers = len(consumers)
	return summary
}

func paginate(events []UsageEvent, limit, offset int) []UsageEvent {
	if offset >= len(events) {
		return []UsageEvent{}
	}
	events = events[offset:]
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events
}

// CoerceInt64 converts loosely-typed metric values (JSON numbers, strings)
// into int64, with 0 as the fallback for anything unparseable.
func CoerceInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		if parsed, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(parsed)
		}
	}
	return 0
}
