package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rakunlabs/gatehouse/internal/store"
	"github.com/rakunlabs/gatehouse/internal/usageaccounting"
)

// UsageSummary handles GET /api/usage?period=, aggregating across all users.
func (s *Server) UsageSummary(w http.ResponseWriter, r *http.Request) {
	period := usageaccounting.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = usageaccounting.PeriodToday
	}

	summary, err := s.usage.Summarize(r.Context(), period, "")
	if err != nil {
		httpError(w, CodeInternalError, "failed to summarize usage")
		return
	}

	httpResponseJSON(w, summary, http.StatusOK)
}

// UsageSummaryForUser handles GET /api/usage/users/{id}?period=.
func (s *Server) UsageSummaryForUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	period := usageaccounting.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = usageaccounting.PeriodToday
	}

	summary, err := s.usage.Summarize(r.Context(), period, id)
	if err != nil {
		httpError(w, CodeInternalError, "failed to summarize usage")
		return
	}

	httpResponseJSON(w, summary, http.StatusOK)
}

// UsageDaily handles GET /api/usage/daily?days=&user_id=&provider=, reading
// raw DailyUsage rows rather than a scheduler-computed summary so callers
// can see the per-provider breakdown the aggregate summary collapses.
func (s *Server) UsageDaily(w http.ResponseWriter, r *http.Request) {
	days := parsePositiveIntUsage(r.URL.Query().Get("days"), 7)
	userID := r.URL.Query().Get("user_id")
	provider := r.URL.Query().Get("provider")

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -days).Format("2006-01-02")
	to := now.Format("2006-01-02")

	rows, err := s.usageStore().ListDailyUsage(r.Context(), userID, from, to)
	if err != nil {
		httpError(w, CodeInternalError, "failed to list daily usage")
		return
	}
	if rows == nil {
		rows = []store.DailyUsage{}
	}

	if provider != "" {
		filtered := rows[:0]
		for _, row := range rows {
			if row.Provider == provider {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}

	httpResponseJSON(w, map[string]any{"daily_usage": rows}, http.StatusOK)
}

// ListLogs handles GET /api/logs?limit=&offset=&user_id=&provider=&status=.
func (s *Server) ListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.UsageLogFilter{
		UserID:   q.Get("user_id"),
		Provider: q.Get("provider"),
		Status:   q.Get("status"),
		Limit:    parsePositiveIntUsage(q.Get("limit"), 100),
		Offset:   parsePositiveIntUsage(q.Get("offset"), 0),
	}

	logs, total, err := s.usageStore().ListUsageLogsFiltered(r.Context(), filter)
	if err != nil {
		httpError(w, CodeInternalError, "failed to list usage logs")
		return
	}
	if logs == nil {
		logs = []store.UsageLog{}
	}

	httpResponseJSON(w, map[string]any{"logs": logs, "total": total}, http.StatusOK)
}

func (s *Server) usageStore() store.UsageStorer {
	return s.store
}

func parsePositiveIntUsage(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
