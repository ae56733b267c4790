package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"oncall.org/internal/oncall"
)

const heartbeatInterval = 15 * time.Second

type currentOnCall struct {
	Phone     string    `json:"phone"`
	StartTime time.Time `json:"start_time"`
	Name      string    `json:"name"`
	UserID    int64     `json:"user_id"`
	Division  string    `json:"division"`
}

func (a *API) divisionParam(r *http.Request) string {
	if d := strings.TrimSpace(r.URL.Query().Get("division")); d != "" {
		return d
	}
	return a.division
}

// CurrentOnCall handles GET /api/oncall.
func (a *API) CurrentOnCall(w http.ResponseWriter, r *http.Request) {
	division := a.divisionParam(r)
	rec, err := a.store.Ledger().Current(r.Context(), division)
	if errors.Is(err, oncall.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"status":  "error",
			"message": fmt.Sprintf("No on-call user set for division=%s", division),
		})
		return
	}
	if err != nil {
		a.logger.Error("load current on-call", zap.String("division", division), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "message": "system error"})
		return
	}

	out := currentOnCall{Phone: rec.Phone, StartTime: rec.StartTime, UserID: rec.UserID, Division: rec.Division}
	if u, err := a.store.Users().Find(r.Context(), rec.UserID); err != nil {
		a.logger.Warn("load on-call user name", zap.Int64("user_id", rec.UserID), zap.Error(err))
	} else {
		out.Name = u.Name
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "on_call": out})
}

// History handles GET /api/oncall/history.
func (a *API) History(w http.ResponseWriter, r *http.Request) {
	division := a.divisionParam(r)
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := a.store.Ledger().History(r.Context(), division, limit)
	if err != nil {
		a.logger.Error("load on-call history", zap.String("division", division), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "history unavailable")
		return
	}
	if recs == nil {
		recs = []oncall.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"division": division, "records": recs})
}

// Stream handles GET /api/oncall/stream as server-sent events. ?division=
// narrows the feed; without it every division is streamed.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	ch := a.stream.Subscribe(ctx, strings.TrimSpace(r.URL.Query().Get("division")))

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		a.logger.Warn("streaming unsupported by writer", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			_ = rc.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: handoff\nid: %d\ndata: %s\n\n", evt.RecordID, payload)
			_ = rc.Flush()
		}
	}
}
