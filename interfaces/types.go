// Package interfaces defines the core types and interfaces for the credential
// manager. It provides the contract between the orchestration layer and its
// collaborators without implementation details.
package interfaces

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// HashSize is the size in bytes of tree node digests and leaf MACs.
const HashSize = 32

// Label identifies a leaf position in the hash tree.
type Label uint64

// String returns the decimal representation of the label.
func (l Label) String() string {
	return fmt.Sprintf("%d", l)
}

// Hash is a tree node digest.
type Hash [HashSize]byte

// NewHashFromBytes creates a hash from a raw byte slice with length validation.
func NewHashFromBytes(source []byte) (Hash, error) {
	if len(source) != HashSize {
		return Hash{}, errors.New("invalid hash length: must be 32 bytes")
	}

	var h Hash
	copy(h[:], source)
	return h, nil
}

// String returns hex representation.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns the raw 32-byte digest.
func (h Hash) Bytes() []byte {
	return h[:]
}

// Equal compares two hashes.
func (h Hash) Equal(other Hash) bool {
	return h == other
}

// Mac is the commitment tag returned by the hardware protocol for a leaf.
// It is mirrored into the corresponding hash tree leaf.
type Mac [HashSize]byte

// NewMacFromBytes creates a mac from a raw byte slice with length validation.
func NewMacFromBytes(source []byte) (Mac, error) {
	if len(source) != HashSize {
		return Mac{}, errors.New("invalid mac length: must be 32 bytes")
	}

	var m Mac
	copy(m[:], source)
	return m, nil
}

// String returns hex representation.
func (m Mac) String() string {
	return hex.EncodeToString(m[:])
}

// Bytes returns the raw 32-byte tag.
func (m Mac) Bytes() []byte {
	return m[:]
}

// CredentialMetadata is the opaque per-credential blob the hardware protocol
// needs on every authentication attempt. The manager never inspects its
// contents; it only shuttles it between the protocol and the lookup table.
type CredentialMetadata []byte

// Equal compares two metadata blobs byte for byte.
func (m CredentialMetadata) Equal(other CredentialMetadata) bool {
	return bytes.Equal(m, other)
}

// DelayScheduleEntry describes the enforced delay once a credential has
// accumulated AttemptCount failed authentication attempts.
type DelayScheduleEntry struct {
	AttemptCount uint32        `json:"attempt_count"`
	TimeDelay    time.Duration `json:"time_delay"`
}

// AddCredentialParams carries the secrets and rate-limiting policy for a new
// credential.
type AddCredentialParams struct {
	LeSecret      []byte               `json:"le_secret"`
	HeSecret      []byte               `json:"he_secret"`
	ResetSecret   []byte               `json:"reset_secret"`
	DelaySchedule []DelayScheduleEntry `json:"delay_schedule"`
}

// TreeShape describes the geometry of the hash tree mirrored from the
// hardware: Height levels below the root, Fanout children per node. The tree
// holds Fanout^Height leaves.
type TreeShape struct {
	Height uint32 `json:"height"`
	Fanout uint32 `json:"fanout"`
}

// NumLeaves returns the leaf capacity of the shape.
func (s TreeShape) NumLeaves() uint64 {
	n := uint64(1)
	for i := uint32(0); i < s.Height; i++ {
		n *= uint64(s.Fanout)
	}
	return n
}

// Validate checks the shape is usable.
func (s TreeShape) Validate() error {
	if s.Height == 0 || s.Fanout < 2 {
		return errors.New("invalid tree shape: height must be >= 1 and fanout >= 2")
	}
	if s.Height*log2ceil(s.Fanout) > 20 {
		return errors.New("invalid tree shape: too many leaves")
	}
	return nil
}

func log2ceil(v uint32) uint32 {
	var bits uint32
	for p := uint32(1); p < v; p *= 2 {
		bits++
	}
	return bits
}
