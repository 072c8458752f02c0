package interfaces

import (
	"context"
	"time"
)

// AuthOutcome classifies the hardware's response to an authentication
// attempt.
type AuthOutcome int

const (
	// AuthSuccess means the secret matched; the response carries the new
	// leaf mac, refreshed metadata and the released secret material.
	AuthSuccess AuthOutcome = iota

	// AuthFailed means the hardware acknowledged the attempt but the secret
	// was wrong. The response still carries a new mac and metadata which
	// MUST be persisted: the failed attempt is part of the rate-limiting
	// state.
	AuthFailed

	// AuthRateLimited means the hardware refused to process the attempt.
	// Nothing changed on the hardware side.
	AuthRateLimited
)

// String returns the outcome name.
func (o AuthOutcome) String() string {
	switch o {
	case AuthSuccess:
		return "success"
	case AuthFailed:
		return "failed"
	case AuthRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// TryAuthResult is the hardware's response to a TryAuth call. Mac and
// Metadata are only meaningful for AuthSuccess and AuthFailed; HeSecret only
// for AuthSuccess; RetryAfter only for AuthRateLimited.
type TryAuthResult struct {
	Outcome    AuthOutcome
	Mac        Mac
	Metadata   CredentialMetadata
	HeSecret   []byte
	RetryAfter time.Duration
}

// CredentialProtocol is the hardware-facing client performing the
// rate-limited low-entropy credential operations against the root of trust.
//
// None of these calls are ever retried by the manager; a failure is surfaced
// immediately to the caller.
type CredentialProtocol interface {
	// InsertLeaf provisions a new credential at label and returns the leaf
	// commitment mac and the opaque metadata blob to persist for future
	// authentication attempts.
	InsertLeaf(ctx context.Context, label Label, auxHashes []Hash, params AddCredentialParams) (Mac, CredentialMetadata, error)

	// TryAuth performs one authentication attempt against the credential
	// described by metadata. An error return means the attempt did not
	// reach the hardware; outcome classification is in the result.
	TryAuth(ctx context.Context, leSecret []byte, auxHashes []Hash, metadata CredentialMetadata) (TryAuthResult, error)

	// RemoveLeaf deletes the credential at label. The caller supplies the
	// current leaf mac so the hardware can verify it is removing the leaf
	// it thinks it is.
	RemoveLeaf(ctx context.Context, label Label, leafMac Mac, auxHashes []Hash) error

	// ResetTree clears all hardware credential state and returns the root
	// hash of the freshly reset tree of the given shape.
	ResetTree(ctx context.Context, shape TreeShape) (Hash, error)
}
