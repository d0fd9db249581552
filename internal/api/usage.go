package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/mcphub/internal/usage"
)

// defaultUsageWindow is the summary window when ?window is absent.
const defaultUsageWindow = 24 * time.Hour

// Usage is the tool call ledger the API reports from.
type Usage interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByServer(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByTool(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	Recent(ctx context.Context, limit int) ([]usage.Record, error)
}

// UsageReport is the GET /v1/usage response.
type UsageReport struct {
	Window   string                    `json:"window"`
	Total    *usage.Summary            `json:"total"`
	ByServer map[string]*usage.Summary `json:"by_server"`
	ByTool   map[string]*usage.Summary `json:"by_tool"`
}

// SetUsage enables GET /v1/usage and GET /v1/usage/recent.
func (s *Server) SetUsage(u Usage) {
	s.usage = u
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "usage ledger not enabled"}, s.logger)
		return
	}

	window := defaultUsageWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "window must be a positive duration such as 1h or 168h"}, s.logger)
			return
		}
		window = d
	}
	end := time.Now()
	start := end.Add(-window)

	ctx := r.Context()
	total, err := s.usage.Summary(ctx, start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}
	byServer, err := s.usage.SummaryByServer(ctx, start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}
	byTool, err := s.usage.SummaryByTool(ctx, start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, UsageReport{
		Window:   window.String(),
		Total:    total,
		ByServer: byServer,
		ByTool:   byTool,
	}, s.logger)
}

func (s *Server) handleUsageRecent(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "usage ledger not enabled"}, s.logger)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"}, s.logger)
			return
		}
		limit = n
	}

	recs, err := s.usage.Recent(r.Context(), limit)
	if err != nil {
		s.usageError(w, err)
		return
	}
	if recs == nil {
		recs = []usage.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": recs}, s.logger)
}

func (s *Server) usageError(w http.ResponseWriter, err error) {
	s.logger.Error("usage query failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()}, s.logger)
}
