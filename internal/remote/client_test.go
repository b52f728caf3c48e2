package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitpulse/fitsync/internal/config"
	"github.com/fitpulse/fitsync/internal/loggy"
	"github.com/fitpulse/fitsync/internal/store"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	cfg := config.ServerConfig{
		URL:               serverURL,
		Token:             "test-token",
		Timeout:           5 * time.Second,
		DeviceName:        "test-device",
		MaxRetries:        2,
		RequestsPerMinute: 0, // unlimited in tests
		BurstLimit:        1,
	}
	return NewClient(cfg, loggy.NewNoopLogger())
}

func TestSubmitSuccess(t *testing.T) {
	var gotAuth, gotDevice string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.Header.Get("X-Device-Name")
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/sync/activities/ent_abc", r.URL.Path)

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, 5.2, payload["distance_km"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(SubmitResponse{Success: true, Checksum: "abc123"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.Submit(context.Background(), store.EntityTypeActivity, "ent_abc",
		json.RawMessage(`{"distance_km":5.2}`))

	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "abc123", resp.Checksum)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "test-device", gotDevice)
}

func TestSubmitRejectionIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "validation_failed", "message": "distance out of range"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Submit(context.Background(), store.EntityTypeActivity, "ent_abc",
		json.RawMessage(`{"distance_km":-1}`))

	require.Error(t, err)
	apiErr, ok := err.(APIError)
	require.True(t, ok, "expected APIError, got %T", err)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.False(t, apiErr.Retryable())
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not be retried")
}

func TestSubmitRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": "internal", "message": "try again"})
			return
		}
		json.NewEncoder(w).Encode(SubmitResponse{Success: true, Checksum: "def456"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.Submit(context.Background(), store.EntityTypeActivity, "ent_abc",
		json.RawMessage(`{}`))

	require.NoError(t, err)
	assert.Equal(t, "def456", resp.Checksum)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGetChecksum(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sync/teams/ent_team1/checksum", r.URL.Path)
		json.NewEncoder(w).Encode(ChecksumResponse{
			Checksum: "remote-sum",
			Payload:  json.RawMessage(`{"name":"morning runners"}`),
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.GetChecksum(context.Background(), store.EntityTypeTeam, "ent_team1")

	require.NoError(t, err)
	assert.Equal(t, "remote-sum", resp.Checksum)
	assert.JSONEq(t, `{"name":"morning runners"}`, string(resp.Payload))
}

func TestGetChecksumNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "not_found", "message": "no such entity"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.GetChecksum(context.Background(), store.EntityTypeProfile, "ent_missing")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitUnknownEntityType(t *testing.T) {
	client := newTestClient(t, "http://localhost:0")
	_, err := client.Submit(context.Background(), store.EntityType("workout"), "ent_x", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestVerifyToken(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		valid      bool
		wantErr    bool
	}{
		{name: "valid token", statusCode: http.StatusOK, valid: true},
		{name: "invalid token", statusCode: http.StatusUnauthorized, valid: false},
		{name: "server error", statusCode: http.StatusInternalServerError, valid: false, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				json.NewEncoder(w).Encode(map[string]string{"error": "err", "message": "msg"})
			}))
			defer server.Close()

			client := newTestClient(t, server.URL)
			valid, err := client.VerifyToken(context.Background())

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.valid, valid)
		})
	}
}

func TestIsRetryableTransportError(t *testing.T) {
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(APIError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, IsRetryable(APIError{StatusCode: http.StatusConflict}))
}
