package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"oncall.org/internal/audit"
	"oncall.org/internal/auth"
	"oncall.org/internal/oncall"
	"oncall.org/internal/pin"
)

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken handles POST /api/token with HTTP basic auth.
func (a *API) IssueToken(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user == "" || pass == "" {
		w.Header().Set("WWW-Authenticate", `Basic realm="oncall"`)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Authentication required"})
		return
	}
	if err := a.admin.Check(user, pass); err != nil {
		a.logger.Warn("token request with bad credentials", zap.String("user", user), zap.String("remote_ip", clientIP(r)))
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Invalid credentials"})
		return
	}
	token, exp, err := a.issuer.Issue(user, []string{auth.RoleAdmin, auth.RoleOperator})
	if err != nil {
		a.logger.Error("issue token", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "token_issued",
		zap.String("user", user),
		zap.Time("expires_at", exp),
	)
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: exp})
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.Users().List(r.Context())
	if err != nil {
		a.logger.Error("list users", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "user list unavailable")
		return
	}
	if users == nil {
		users = []oncall.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// ListUsers handles GET /api/users.
func (a *API) ListUsers(w http.ResponseWriter, r *http.Request) { a.listUsers(w, r) }

// AdminListUsers handles GET /admin/users.
func (a *API) AdminListUsers(w http.ResponseWriter, r *http.Request) { a.listUsers(w, r) }

type createUserRequest struct {
	PIN      string `json:"pin"`
	Phone    string `json:"phone"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Division string `json:"division"`
}

// CreateUser handles POST /api/users.
func (a *API) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Phone = strings.TrimSpace(req.Phone)
	req.Name = strings.TrimSpace(req.Name)
	req.Division = strings.TrimSpace(req.Division)
	if req.PIN == "" || req.Phone == "" || req.Name == "" || req.Division == "" {
		writeError(w, r, http.StatusBadRequest, "missing required fields (pin, phone, name, division)")
		return
	}
	if !pin.Valid(req.PIN) {
		writeError(w, r, http.StatusBadRequest, "pin must be digits only")
		return
	}
	hash := a.hasher.Hash(req.PIN)
	if taken, err := a.pinTaken(r, hash, 0); err != nil {
		writeError(w, r, http.StatusInternalServerError, "user lookup failed")
		return
	} else if taken {
		writeError(w, r, http.StatusConflict, "pin already in use")
		return
	}

	u := oncall.User{PinHash: hash, Phone: req.Phone, Name: req.Name, Email: strings.TrimSpace(req.Email), Division: req.Division}
	if err := a.store.Users().Create(r.Context(), &u); err != nil {
		switch {
		case errors.Is(err, oncall.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, "invalid user")
		case errors.Is(err, oncall.ErrConflict):
			// Lost a race with another create for the same PIN.
			writeError(w, r, http.StatusConflict, "pin already in use")
		default:
			a.logger.Error("create user", zap.Error(err))
			writeError(w, r, http.StatusInternalServerError, "user creation failed")
		}
		return
	}

	uid := u.ID
	a.trail.Append(r.Context(), oncall.AuditEntry{
		Kind:      oncall.EventUserCreated,
		UserID:    &uid,
		Details:   fmt.Sprintf("New user: %s (division=%s)", u.Name, u.Division),
		IPAddress: clientIP(r),
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":  "success",
		"message": "User created successfully",
		"user_id": u.ID,
	})
}

type updateUserRequest struct {
	Phone    *string `json:"phone"`
	Name     *string `json:"name"`
	Email    *string `json:"email"`
	Division *string `json:"division"`
	PIN      *string `json:"pin"`
}

// AdminUpdateUser handles PATCH /admin/users/{id}.
func (a *API) AdminUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusNotFound, "user not found")
		return
	}
	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	patch := oncall.UserPatch{Phone: req.Phone, Name: req.Name, Email: req.Email, Division: req.Division}
	if req.PIN != nil {
		if !pin.Valid(*req.PIN) {
			writeError(w, r, http.StatusBadRequest, "pin must be digits only")
			return
		}
		hash := a.hasher.Hash(*req.PIN)
		if taken, err := a.pinTaken(r, hash, id); err != nil {
			writeError(w, r, http.StatusInternalServerError, "user lookup failed")
			return
		} else if taken {
			writeError(w, r, http.StatusConflict, "pin already in use")
			return
		}
		patch.PinHash = &hash
	}
	if patch.Empty() {
		writeError(w, r, http.StatusBadRequest, "no valid fields to update")
		return
	}

	u, err := a.store.Users().Update(r.Context(), id, patch)
	switch {
	case errors.Is(err, oncall.ErrNotFound):
		writeError(w, r, http.StatusNotFound, fmt.Sprintf("no user found with id %d", id))
		return
	case errors.Is(err, oncall.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "phone, division and pin cannot be blank")
		return
	case errors.Is(err, oncall.ErrConflict):
		writeError(w, r, http.StatusConflict, "pin already in use")
		return
	case err != nil:
		a.logger.Error("update user", zap.Int64("user_id", id), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "user update failed")
		return
	}

	a.trail.Append(r.Context(), oncall.AuditEntry{
		Kind:      oncall.EventUserUpdated,
		UserID:    &id,
		Details:   describePatch(req),
		IPAddress: clientIP(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("User %d updated", id),
		"user":    u,
	})
}

// pinTaken reports whether hash already belongs to a user other than self.
func (a *API) pinTaken(r *http.Request, hash string, self int64) (bool, error) {
	u, err := a.store.Users().FindByPinHash(r.Context(), hash)
	switch {
	case errors.Is(err, oncall.ErrNotFound):
		return false, nil
	case err != nil:
		a.logger.Error("pin uniqueness check", zap.Error(err))
		return false, err
	}
	return u.ID != self, nil
}

// describePatch renders the changed fields for the audit trail. The PIN value
// is never included.
func describePatch(req updateUserRequest) string {
	fields := map[string]*string{"phone": req.Phone, "name": req.Name, "email": req.Email, "division": req.Division}
	var parts []string
	for k, v := range fields {
		if v != nil {
			parts = append(parts, fmt.Sprintf("%s=%s", k, *v))
		}
	}
	if req.PIN != nil {
		parts = append(parts, "pin=[redacted]")
	}
	sort.Strings(parts)
	return "Updated fields: " + strings.Join(parts, ", ")
}
