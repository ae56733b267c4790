package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oncall.org/internal/oncall"
)

func TestTelepoNotifySendsPayload(t *testing.T) {
	var got payload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tp, err := NewTelepo(srv.URL+"/update", "key-1", nil)
	require.NoError(t, err)

	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	err = tp.Notify(context.Background(), oncall.Notification{Division: "retic_water", Phone: "+441", UserID: 9, UpdatedAt: at})
	require.NoError(t, err)

	assert.Equal(t, "Bearer key-1", auth)
	assert.Equal(t, payload{PhoneNumber: "+441", Division: "retic_water", UpdatedAt: "2026-02-03T04:05:06Z", UserID: 9}, got)
}

func TestTelepoNotifyNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tp, err := NewTelepo(srv.URL, "", nil)
	require.NoError(t, err)
	err = tp.Notify(context.Background(), oncall.Notification{Division: "d", Phone: "p"})
	assert.True(t, errors.Is(err, ErrNotification), "got %v", err)
}

func TestTelepoNotifyHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tp, err := NewTelepo(srv.URL, "", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = tp.Notify(ctx, oncall.Notification{Division: "d", Phone: "p"})
	assert.ErrorIs(t, err, ErrNotification)
}

func TestNewTelepoRequiresURL(t *testing.T) {
	_, err := NewTelepo(" ", "k", nil)
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	assert.NoError(t, Noop{}.Notify(context.Background(), oncall.Notification{}))
}
