package client

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

	"github.com/hwtrust/credman/api"
	"github.com/hwtrust/credman/interfaces"
)

func TestAddCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/credentials", r.URL.Path)

		var req api.AddCredentialRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []byte("low entropy"), req.LeSecret)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.AddCredentialResponse{Label: 21})
	}))
	defer srv.Close()

	c := New(srv.URL)
	label, err := c.AddCredential(context.Background(), api.AddCredentialRequest{
		LeSecret: []byte("low entropy"),
		HeSecret: []byte("high entropy"),
	})
	require.NoError(t, err)
	assert.Equal(t, interfaces.Label(21), label)
}

func TestCheckCredential_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		resp    api.ErrorResponse
		wantErr error
	}{
		{"wrong secret", http.StatusForbidden, api.ErrorResponse{Error: "invalid secret", Code: "invalid_secret"}, interfaces.ErrInvalidSecret},
		{"rate limited", http.StatusTooManyRequests, api.ErrorResponse{Error: "too many attempts", Code: "too_many_attempts"}, interfaces.ErrTooManyAttempts},
		{"unknown label", http.StatusNotFound, api.ErrorResponse{Error: "invalid label", Code: "invalid_label"}, interfaces.ErrInvalidLabel},
		{"internal", http.StatusInternalServerError, api.ErrorResponse{Error: "boom", Code: "internal"}, interfaces.ErrInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(tc.resp)
			}))
			defer srv.Close()

			c := New(srv.URL)
			_, err := c.CheckCredential(context.Background(), 7, []byte("low entropy"))
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestCheckCredential_RateLimitedHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(api.ErrorResponse{
			Error:             "too many attempts",
			Code:              "too_many_attempts",
			RetryAfterSeconds: 30,
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.CheckCredential(context.Background(), 7, []byte("low entropy"))

	var rateLimited *interfaces.RateLimitedError
	require.True(t, errors.As(err, &rateLimited))
	assert.Equal(t, 30*time.Second, rateLimited.RetryAfter)
	assert.ErrorIs(t, err, interfaces.ErrTooManyAttempts)
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/status", r.URL.Path)
		json.NewEncoder(w).Encode(api.StatusResponse{
			CredentialCount: 4,
			PendingCommits:  2,
			TreeHeight:      6,
			TreeFanout:      4,
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), status.CredentialCount)
	assert.Equal(t, 2, status.PendingCommits)
}

func TestRemoveCredential_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream gone"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.RemoveCredential(context.Background(), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
