package service

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/theapemachine/asap-go/pkg/metering"
)

/*
handleUsage routes the metering REST surface. The surface is only mounted
when a store is configured; the 503 branch guards against a handler wired
up by hand without one.
*/
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metering == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "metering store not configured",
		})
		return
	}

	switch {
	case r.URL.Path == "/usage" && r.Method == http.MethodGet:
		s.usageList(w, r)
	case r.URL.Path == "/usage" && r.Method == http.MethodPost:
		s.usageRecord(w, r)
	case r.URL.Path == "/usage/aggregate" && r.Method == http.MethodGet:
		s.usageAggregate(w, r)
	case r.URL.Path == "/usage/summary" && r.Method == http.MethodGet:
		s.usageSummary(w, r)
	case r.URL.Path == "/usage/agents" && r.Method == http.MethodGet:
		s.usageGrouped(w, r, metering.GroupByAgent)
	case r.URL.Path == "/usage/consumers" && r.Method == http.MethodGet:
		s.usageGrouped(w, r, metering.GroupByConsumer)
	case r.URL.Path == "/usage/stats" && r.Method == http.MethodGet:
		s.usageStats(w)
	case r.URL.Path == "/usage/batch" && r.Method == http.MethodPost:
		s.usageBatch(w, r)
	case r.URL.Path == "/usage/validate" && r.Method == http.MethodPost:
		s.usageValidate(w, r)
	case r.URL.Path == "/usage/purge" && r.Method == http.MethodPost:
		s.usagePurge(w)
	case r.URL.Path == "/usage/export" && r.Method == http.MethodGet:
		s.usageExport(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// usageFilter builds a metering filter from query parameters. Timestamps
// accept RFC 3339.
func usageFilter(r *http.Request) (metering.Filter, error) {
	q := r.URL.Query()
	filter := metering.Filter{
		AgentID:    q.Get("agent_id"),
		ConsumerID: q.Get("consumer_id"),
		TaskID:     q.Get("task_id"),
	}

	if v := q.Get("start"); v != "" {
		start, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, err
		}
		filter.Start = start
	}
	if v := q.Get("end"); v != "" {
		end, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, err
		}
		filter.End = end
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return filter, err
		}
		filter.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil {
			return filter, err
		}
		filter.Offset = offset
	}
	return filter, nil
}

func (s *Server) usageList(w http.ResponseWriter, r *http.Request) {
	filter, err := usageFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	events, err := s.cfg.Metering.Query(filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) usageRecord(w http.ResponseWriter, r *http.Request) {
	var event metering.UsageEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid usage event: " + err.Error()})
		return
	}

	if err := s.cfg.Metering.Record(event); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.metrics.RecordUsageEvent()
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded", "task_id": event.TaskID})
}

func (s *Server) usageAggregate(w http.ResponseWriter, r *http.Request) {
	filter, err := usageFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	groupBy := metering.GroupBy(r.URL.Query().Get("group_by"))
	groups, err := s.cfg.Metering.Aggregate(groupBy, filter)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_by": groupBy, "groups": groups})
}

func (s *Server) usageSummary(w http.ResponseWriter, r *http.Request) {
	filter, err := usageFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	summary, err := s.cfg.Metering.Summary(filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) usageGrouped(w http.ResponseWriter, r *http.Request, groupBy metering.GroupBy) {
	filter, err := usageFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	groups, err := s.cfg.Metering.Aggregate(groupBy, filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{string(groupBy) + "s": groups})
}

func (s *Server) usageStats(w http.ResponseWriter) {
	stats, err := s.cfg.Metering.Stats()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) usageBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Events []metering.UsageEvent `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid batch: " + err.Error()})
		return
	}
	if len(body.Events) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "batch must contain at least one event"})
		return
	}

	taskIDs := make([]string, 0, len(body.Events))
	for i := range body.Events {
		if err := body.Events[i].Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		taskIDs = append(taskIDs, body.Events[i].TaskID)
	}

	for i := range body.Events {
		if err := s.cfg.Metering.Record(body.Events[i]); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		s.metrics.RecordUsageEvent()
	}
	writeJSON(w, http.StatusCreated, map[string]any{"count": len(body.Events), "task_ids": taskIDs})
}

func (s *Server) usageValidate(w http.ResponseWriter, r *http.Request) {
	var event metering.UsageEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	if err := event.Validate(); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    true,
		"task_id":  event.TaskID,
		"agent_id": event.AgentID,
	})
}

func (s *Server) usagePurge(w http.ResponseWriter) {
	removed, err := s.cfg.Metering.PurgeExpired()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "purged", "removed": removed})
}

func (s *Server) usageExport(w http.ResponseWriter, r *http.Request) {
	filter, err := usageFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	events, err := s.cfg.Metering.Query(filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	format := r.URL.Query().Get("export_format")
	switch format {
	case "", "json":
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="usage.csv"`)

		cw := csv.NewWriter(w)
		cw.Write([]string{"task_id", "agent_id", "consumer_id", "tokens_in", "tokens_out", "duration_ms", "api_calls", "timestamp"})
		for i := range events {
			e := &events[i]
			cw.Write([]string{
				e.TaskID,
				e.AgentID,
				e.ConsumerID,
				strconv.FormatInt(e.Metrics.TokensIn, 10),
				strconv.FormatInt(e.Metrics.TokensOut, 10),
				strconv.FormatInt(e.Metrics.DurationMS, 10),
				strconv.FormatInt(e.Metrics.APICalls, 10),
				e.Timestamp.UTC().Format(time.RFC3339),
			})
		}
		cw.Flush()
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown export_format: want json or csv"})
	}
}
