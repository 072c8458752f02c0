package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwtrust/credman/api"
	"github.com/hwtrust/credman/interfaces"
)

type stubManager struct {
	addLabel interfaces.Label
	addErr   error

	checkSecret []byte
	checkErr    error

	removeErr error
	resetErr  error

	count   uint64
	pending int
	shape   interfaces.TreeShape
}

func (s *stubManager) AddCredential(ctx context.Context, params interfaces.AddCredentialParams) (interfaces.Label, error) {
	return s.addLabel, s.addErr
}

func (s *stubManager) CheckCredential(ctx context.Context, label interfaces.Label, leSecret []byte) ([]byte, error) {
	return s.checkSecret, s.checkErr
}

func (s *stubManager) RemoveCredential(ctx context.Context, label interfaces.Label) error {
	return s.removeErr
}

func (s *stubManager) Reset(ctx context.Context) error { return s.resetErr }
func (s *stubManager) CredentialCount() uint64         { return s.count }
func (s *stubManager) PendingCommits() int             { return s.pending }
func (s *stubManager) TreeShape() interfaces.TreeShape { return s.shape }

func newTestServer(t *testing.T, manager Manager) http.Handler {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(manager, log)
	srv := New(&HTTPServerConfig{Log: log}, handler, nil)
	return srv.getRouter()
}

func doRequest(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleAddCredential(t *testing.T) {
	router := newTestServer(t, &stubManager{addLabel: 13})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/credentials", api.AddCredentialRequest{
		LeSecret:      []byte("low entropy"),
		HeSecret:      []byte("high entropy"),
		ResetSecret:   []byte("reset"),
		DelaySchedule: []api.DelayScheduleEntry{{AttemptCount: 5, TimeDelaySeconds: 60}},
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp api.AddCredentialResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(13), resp.Label)
}

func TestHandleAddCredential_BadBody(t *testing.T) {
	router := newTestServer(t, &stubManager{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/credentials", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCheckCredential(t *testing.T) {
	router := newTestServer(t, &stubManager{checkSecret: []byte("high entropy")})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/credentials/7/check", api.CheckCredentialRequest{
		LeSecret: []byte("low entropy"),
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.CheckCredentialResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []byte("high entropy"), resp.HeSecret)
}

func TestHandleCheckCredential_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"wrong secret", interfaces.ErrInvalidSecret, http.StatusForbidden, "invalid_secret"},
		{"rate limited", interfaces.ErrTooManyAttempts, http.StatusTooManyRequests, "too_many_attempts"},
		{"unknown label", interfaces.ErrInvalidLabel, http.StatusNotFound, "invalid_label"},
		{"internal", interfaces.ErrInternal, http.StatusInternalServerError, "internal"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestServer(t, &stubManager{checkErr: tc.err})

			rec := doRequest(t, router, http.MethodPost, "/api/v1/credentials/7/check", api.CheckCredentialRequest{
				LeSecret: []byte("low entropy"),
			})

			require.Equal(t, tc.wantStatus, rec.Code)
			var resp api.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.wantCode, resp.Code)
		})
	}
}

func TestHandleCheckCredential_RateLimitedHint(t *testing.T) {
	router := newTestServer(t, &stubManager{
		checkErr: &interfaces.RateLimitedError{RetryAfter: 30 * time.Second},
	})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/credentials/7/check", api.CheckCredentialRequest{
		LeSecret: []byte("low entropy"),
	})

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "too_many_attempts", resp.Code)
	assert.Equal(t, uint32(30), resp.RetryAfterSeconds)
}

func TestHandleCheckCredential_BadLabel(t *testing.T) {
	router := newTestServer(t, &stubManager{})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/credentials/notanumber/check", api.CheckCredentialRequest{
		LeSecret: []byte("low entropy"),
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRemoveCredential(t *testing.T) {
	router := newTestServer(t, &stubManager{})

	rec := doRequest(t, router, http.MethodDelete, "/api/v1/credentials/7", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleRemoveCredential_UnknownLabel(t *testing.T) {
	router := newTestServer(t, &stubManager{removeErr: interfaces.ErrInvalidLabel})

	rec := doRequest(t, router, http.MethodDelete, "/api/v1/credentials/7", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_label", resp.Code)
}

func TestHandleReset(t *testing.T) {
	router := newTestServer(t, &stubManager{})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/reset", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleReset_ChipFailure(t *testing.T) {
	router := newTestServer(t, &stubManager{resetErr: interfaces.ErrChipStateFailedToClear})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/reset", nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chip_state_failed_to_clear", resp.Code)
}

func TestHandleStatus(t *testing.T) {
	router := newTestServer(t, &stubManager{
		count:   3,
		pending: 1,
		shape:   interfaces.TreeShape{Height: 6, Fanout: 4},
	})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(3), resp.CredentialCount)
	assert.Equal(t, 1, resp.PendingCommits)
	assert.Equal(t, uint32(6), resp.TreeHeight)
	assert.Equal(t, uint32(4), resp.TreeFanout)
}

func TestLivenessAndReadiness(t *testing.T) {
	router := newTestServer(t, &stubManager{})

	rec := doRequest(t, router, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/drain", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/undrain", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
