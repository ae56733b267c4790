package httpapi

import (
	"fmt"
	"net/http"

	"oncall.org/internal/oncall"
)

// frontDoorReply is the JSON the AGI bridge parses. Only status is load-bearing.
type frontDoorReply struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Division  string `json:"division,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Authenticate handles POST /authenticate with form fields pin and caller_id.
// An empty or malformed PIN is an audited authentication failure, not a 400.
func (a *API) Authenticate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, frontDoorReply{Status: "error", Message: "malformed form body"})
		return
	}
	out := a.engine.Authenticate(r.Context(), oncall.Attempt{
		PIN:      r.PostForm.Get("pin"),
		CallerID: r.PostForm.Get("caller_id"),
		Origin:   clientIP(r),
	})

	switch {
	case out.OK():
		writeJSON(w, http.StatusOK, frontDoorReply{
			Status:   "success",
			Message:  fmt.Sprintf("On-call number updated to %s (division: %s)", out.Phone, out.Division),
			Division: out.Division,
			Phone:    out.Phone,
		})
	case out.Retryable:
		writeJSON(w, http.StatusServiceUnavailable, frontDoorReply{
			Status:    "error",
			Message:   out.Reason,
			Retryable: true,
		})
	default:
		writeJSON(w, http.StatusForbidden, frontDoorReply{Status: "failure", Message: "Invalid PIN"})
	}
}
