// Package protocol provides a software implementation of the hardware
// credential protocol, suitable for development and testing. It simulates the
// chip's behavior faithfully enough to exercise the orchestration layer:
// per-credential state travels in a sealed metadata blob the caller cannot
// inspect, the chip side only remembers one commitment mac per leaf, and
// authentication attempts are rate limited by the credential's delay
// schedule.
//
// A production deployment replaces this with a transport speaking to the
// actual root of trust; nothing above the interfaces.CredentialProtocol
// boundary changes.
package protocol

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/hwtrust/credman/hashtree"
	"github.com/hwtrust/credman/interfaces"
)

// Protocol errors.
var (
	ErrLeafOccupied    = errors.New("leaf already occupied")
	ErrLeafUnknown     = errors.New("leaf not provisioned")
	ErrMacMismatch     = errors.New("leaf mac mismatch")
	ErrInvalidMetadata = errors.New("invalid credential metadata")
)

// SoftwareProtocol implements interfaces.CredentialProtocol in software. All
// cryptographic material derives from a single device key.
type SoftwareProtocol struct {
	sealKey []byte
	macKey  []byte
	log     *slog.Logger

	mu sync.Mutex
	// leaves mirrors the chip's per-leaf commitment: stale metadata blobs
	// replayed by the host fail the mac check, like on real hardware.
	leaves map[interfaces.Label]interfaces.Mac

	// now is swapped out by tests driving the rate limiter.
	now func() time.Time

	authAttempts atomic.Uint64
}

// leafState is the plaintext of the sealed metadata blob.
type leafState struct {
	Label             interfaces.Label                `json:"label"`
	LeSecretDigest    []byte                          `json:"le_secret_digest"`
	ResetSecretDigest []byte                          `json:"reset_secret_digest"`
	HeSecret          []byte                          `json:"he_secret"`
	DelaySchedule     []interfaces.DelayScheduleEntry `json:"delay_schedule"`
	AttemptCount      uint32                          `json:"attempt_count"`
	LastAttempt       time.Time                       `json:"last_attempt"`
}

// NewSoftwareProtocol creates a software credential protocol keyed by
// deviceKey. The device key must be at least 32 bytes long.
func NewSoftwareProtocol(deviceKey []byte, log *slog.Logger) (*SoftwareProtocol, error) {
	if len(deviceKey) < 32 {
		return nil, errors.New("device key must be at least 32 bytes")
	}

	sealKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, deviceKey, nil, []byte("credman metadata seal")), sealKey); err != nil {
		return nil, fmt.Errorf("failed to derive seal key: %w", err)
	}
	macKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, deviceKey, nil, []byte("credman leaf mac")), macKey); err != nil {
		return nil, fmt.Errorf("failed to derive mac key: %w", err)
	}

	return &SoftwareProtocol{
		sealKey: sealKey,
		macKey:  macKey,
		log:     log,
		leaves:  make(map[interfaces.Label]interfaces.Mac),
		now:     time.Now,
	}, nil
}

// InsertLeaf provisions a credential at label and returns its commitment mac
// and sealed metadata.
func (p *SoftwareProtocol) InsertLeaf(ctx context.Context, label interfaces.Label, auxHashes []interfaces.Hash, params interfaces.AddCredentialParams) (interfaces.Mac, interfaces.CredentialMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, occupied := p.leaves[label]; occupied {
		return interfaces.Mac{}, nil, fmt.Errorf("%w: label %s", ErrLeafOccupied, label)
	}

	schedule := append([]interfaces.DelayScheduleEntry(nil), params.DelaySchedule...)
	sort.Slice(schedule, func(i, j int) bool { return schedule[i].AttemptCount < schedule[j].AttemptCount })

	state := leafState{
		Label:             label,
		LeSecretDigest:    digest(params.LeSecret),
		ResetSecretDigest: digest(params.ResetSecret),
		HeSecret:          append([]byte(nil), params.HeSecret...),
		DelaySchedule:     schedule,
	}

	mac, metadata, err := p.commit(state)
	if err != nil {
		return interfaces.Mac{}, nil, err
	}
	p.leaves[label] = mac

	p.log.Debug("Provisioned credential leaf", slog.String("label", label.String()))
	return mac, metadata, nil
}

// TryAuth performs one authentication attempt against the sealed metadata.
func (p *SoftwareProtocol) TryAuth(ctx context.Context, leSecret []byte, auxHashes []interfaces.Hash, metadata interfaces.CredentialMetadata) (interfaces.TryAuthResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authAttempts.Inc()

	state, err := p.open(metadata)
	if err != nil {
		return interfaces.TryAuthResult{}, err
	}

	current, ok := p.leaves[state.Label]
	if !ok {
		return interfaces.TryAuthResult{}, fmt.Errorf("%w: label %s", ErrLeafUnknown, state.Label)
	}
	if current != p.macFor(state) {
		// The host replayed a stale blob; on real hardware the tree
		// check fails the same way.
		return interfaces.TryAuthResult{}, fmt.Errorf("%w: label %s", ErrMacMismatch, state.Label)
	}

	nowTime := p.now()
	if wait := p.remainingDelay(state, nowTime); wait > 0 {
		return interfaces.TryAuthResult{Outcome: interfaces.AuthRateLimited, RetryAfter: wait}, nil
	}

	matched := subtle.ConstantTimeCompare(digest(leSecret), state.LeSecretDigest) == 1
	if matched {
		state.AttemptCount = 0
	} else {
		state.AttemptCount++
	}
	state.LastAttempt = nowTime

	mac, newMetadata, err := p.commit(state)
	if err != nil {
		return interfaces.TryAuthResult{}, err
	}
	p.leaves[state.Label] = mac

	if !matched {
		return interfaces.TryAuthResult{
			Outcome:  interfaces.AuthFailed,
			Mac:      mac,
			Metadata: newMetadata,
		}, nil
	}
	return interfaces.TryAuthResult{
		Outcome:  interfaces.AuthSuccess,
		Mac:      mac,
		Metadata: newMetadata,
		HeSecret: append([]byte(nil), state.HeSecret...),
	}, nil
}

// RemoveLeaf deletes the credential at label after verifying the presented
// mac matches the chip's commitment.
func (p *SoftwareProtocol) RemoveLeaf(ctx context.Context, label interfaces.Label, leafMac interfaces.Mac, auxHashes []interfaces.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.leaves[label]
	if !ok {
		return fmt.Errorf("%w: label %s", ErrLeafUnknown, label)
	}
	if current != leafMac {
		return fmt.Errorf("%w: label %s", ErrMacMismatch, label)
	}

	delete(p.leaves, label)
	p.log.Debug("Removed credential leaf", slog.String("label", label.String()))
	return nil
}

// ResetTree clears every leaf and returns the root hash of an empty tree of
// the given shape.
func (p *SoftwareProtocol) ResetTree(ctx context.Context, shape interfaces.TreeShape) (interfaces.Hash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.leaves = make(map[interfaces.Label]interfaces.Mac)

	empty, err := hashtree.New(shape)
	if err != nil {
		return interfaces.Hash{}, err
	}
	p.log.Info("Credential tree reset", slog.Uint64("leaves", shape.NumLeaves()))
	return empty.RootHash(), nil
}

// AuthAttempts returns the total number of authentication attempts processed,
// including rate-limited ones.
func (p *SoftwareProtocol) AuthAttempts() uint64 {
	return p.authAttempts.Load()
}

// remainingDelay returns how long the credential must still wait before its
// next attempt, given its failed attempt count and delay schedule.
func (p *SoftwareProtocol) remainingDelay(state leafState, now time.Time) time.Duration {
	var delay time.Duration
	for _, entry := range state.DelaySchedule {
		if state.AttemptCount >= entry.AttemptCount {
			delay = entry.TimeDelay
		}
	}
	if delay == 0 || state.LastAttempt.IsZero() {
		return 0
	}
	remaining := delay - now.Sub(state.LastAttempt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// commit seals the state into a metadata blob and computes its commitment
// mac.
func (p *SoftwareProtocol) commit(state leafState) (interfaces.Mac, interfaces.CredentialMetadata, error) {
	plaintext, err := json.Marshal(state)
	if err != nil {
		return interfaces.Mac{}, nil, fmt.Errorf("failed to encode leaf state: %w", err)
	}

	aead, err := chacha20poly1305.New(p.sealKey)
	if err != nil {
		return interfaces.Mac{}, nil, fmt.Errorf("failed to create seal cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return interfaces.Mac{}, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)

	return p.macFor(state), interfaces.CredentialMetadata(sealed), nil
}

// open unseals a metadata blob back into leaf state.
func (p *SoftwareProtocol) open(metadata interfaces.CredentialMetadata) (leafState, error) {
	if len(metadata) < chacha20poly1305.NonceSize {
		return leafState{}, ErrInvalidMetadata
	}

	aead, err := chacha20poly1305.New(p.sealKey)
	if err != nil {
		return leafState{}, fmt.Errorf("failed to create seal cipher: %w", err)
	}
	nonce, ciphertext := metadata[:chacha20poly1305.NonceSize], metadata[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return leafState{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	var state leafState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return leafState{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return state, nil
}

// macFor computes the commitment mac over the rate-limiting state of a leaf.
func (p *SoftwareProtocol) macFor(state leafState) interfaces.Mac {
	h := hmac.New(sha256.New, p.macKey)
	binary.Write(h, binary.BigEndian, uint64(state.Label))
	binary.Write(h, binary.BigEndian, state.AttemptCount)
	binary.Write(h, binary.BigEndian, state.LastAttempt.UnixNano())
	h.Write(state.LeSecretDigest)
	h.Write(state.ResetSecretDigest)

	var mac interfaces.Mac
	copy(mac[:], h.Sum(nil))
	return mac
}

func digest(secret []byte) []byte {
	sum := sha256.Sum256(secret)
	return sum[:]
}
