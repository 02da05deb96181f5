package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/damacus/iron-cabinet/internal/dedup"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// ComparisonHandler starts deduplication runs and streams their progress as
// server-sent events.
type ComparisonHandler struct {
	tracker *dedup.Tracker
}

func NewComparisonHandler(tracker *dedup.Tracker) *ComparisonHandler {
	return &ComparisonHandler{tracker: tracker}
}

// StartFileComparison starts a new run and returns its id.
func (h *ComparisonHandler) StartFileComparison(c echo.Context) error {
	run := h.tracker.Start()
	return c.JSON(http.StatusOK, map[string]string{"jobId": run.ID})
}

// FileComparisonProgress follows a run from its first event. Without a
// jobId the latest run is followed, starting one if none exists.
func (h *ComparisonHandler) FileComparisonProgress(c echo.Context) error {
	var run *dedup.Run
	if id := c.QueryParam("jobId"); id != "" {
		var ok bool
		if run, ok = h.tracker.Get(id); !ok {
			return echo.NewHTTPError(http.StatusNotFound, "unknown job "+id)
		}
	} else {
		run = h.tracker.LatestOrStart()
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	for ev := range run.Subscribe(c.Request().Context()) {
		if err := writeEvent(res, ev); err != nil {
			log.Debug().Err(err).Str("run_id", run.ID).Msg("SSE client went away")
			return nil
		}
		res.Flush()
	}
	return nil
}

func writeEvent(w io.Writer, ev dedup.Event) error {
	switch ev.Kind {
	case dedup.EventComplete:
		return writeSSE(w, "complete", ev.Result)
	case dedup.EventFailed:
		return writeSSE(w, "error", map[string]string{"error": ev.Err.Error()})
	}
	return writeSSE(w, "", ev.Progress)
}

// writeSSE writes one event. An empty name produces an unnamed message event.
func writeSSE(w io.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
