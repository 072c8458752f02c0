// Package api defines the request and response types of the credential
// manager's HTTP surface, shared by the server and the Go client.
package api

import (
	"time"

	"github.com/hwtrust/credman/interfaces"
)

// AddCredentialRequest is the body of POST /api/v1/credentials. Secret fields
// are base64 in JSON.
type AddCredentialRequest struct {
	LeSecret      []byte               `json:"le_secret"`
	HeSecret      []byte               `json:"he_secret"`
	ResetSecret   []byte               `json:"reset_secret"`
	DelaySchedule []DelayScheduleEntry `json:"delay_schedule"`
}

// DelayScheduleEntry is one step of the rate-limiting policy: once
// AttemptCount failed attempts have accumulated, every further attempt must
// wait TimeDelaySeconds.
type DelayScheduleEntry struct {
	AttemptCount     uint32 `json:"attempt_count"`
	TimeDelaySeconds uint32 `json:"time_delay"`
}

// Params converts the request into manager parameters.
func (r AddCredentialRequest) Params() interfaces.AddCredentialParams {
	schedule := make([]interfaces.DelayScheduleEntry, 0, len(r.DelaySchedule))
	for _, entry := range r.DelaySchedule {
		schedule = append(schedule, interfaces.DelayScheduleEntry{
			AttemptCount: entry.AttemptCount,
			TimeDelay:    time.Duration(entry.TimeDelaySeconds) * time.Second,
		})
	}
	return interfaces.AddCredentialParams{
		LeSecret:      r.LeSecret,
		HeSecret:      r.HeSecret,
		ResetSecret:   r.ResetSecret,
		DelaySchedule: schedule,
	}
}

// AddCredentialResponse is the success body of POST /api/v1/credentials.
type AddCredentialResponse struct {
	Label uint64 `json:"label"`
}

// CheckCredentialRequest is the body of
// POST /api/v1/credentials/{label}/check.
type CheckCredentialRequest struct {
	LeSecret []byte `json:"le_secret"`
}

// CheckCredentialResponse is the success body of a credential check.
type CheckCredentialResponse struct {
	HeSecret []byte `json:"he_secret"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	CredentialCount uint64 `json:"credential_count"`
	PendingCommits  int    `json:"pending_commits"`
	TreeHeight      uint32 `json:"tree_height"`
	TreeFanout      uint32 `json:"tree_fanout"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`

	// Code classifies the failure: invalid_secret, too_many_attempts,
	// invalid_label, chip_state_failed_to_clear,
	// disk_state_failed_to_clear or internal.
	Code string `json:"code"`

	// RetryAfterSeconds is set for too_many_attempts when the hardware
	// provided a wait hint.
	RetryAfterSeconds uint32 `json:"retry_after,omitempty"`
}
