package credmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hwtrust/credman/interfaces"
)

// hwToken is the proof of holding the hardware serialization lock. Only
// lockHardware produces one, and every queue mutation demands one, so the
// hardware-lock-before-queue-lock ordering cannot be violated.
type hwToken struct{}

// Config carries the collaborators of a CredentialManager.
type Config struct {
	Tree        interfaces.HashTree
	Protocol    interfaces.CredentialProtocol
	LookupTable interfaces.LookupTable
	TreeStorage interfaces.HashTreeStorage
	Diagnostics interfaces.Diagnostics
	Log         *slog.Logger
}

// CredentialManager orchestrates the hardware credential protocol and the
// host-side persistent stores. It owns the hash tree mirror and the pending
// commit queue; all access to either goes through its operations.
//
// Operations are serialized by the hardware lock: no two hardware mutations
// ever race, and every operation sees a fully drained queue before it touches
// the hardware.
type CredentialManager struct {
	hwMu chan hwToken

	tree        interfaces.HashTree
	protocol    interfaces.CredentialProtocol
	lookup      interfaces.LookupTable
	treeStore   interfaces.HashTreeStorage
	diagnostics interfaces.Diagnostics
	queue       *commitQueue
	log         *slog.Logger
}

// New creates a credential manager from its collaborators.
func New(cfg Config) (*CredentialManager, error) {
	if cfg.Tree == nil || cfg.Protocol == nil || cfg.LookupTable == nil || cfg.TreeStorage == nil || cfg.Diagnostics == nil {
		return nil, errors.New("credmanager: all collaborators must be set")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	m := &CredentialManager{
		hwMu:        make(chan hwToken, 1),
		tree:        cfg.Tree,
		protocol:    cfg.Protocol,
		lookup:      cfg.LookupTable,
		treeStore:   cfg.TreeStorage,
		diagnostics: cfg.Diagnostics,
		queue:       newCommitQueue(cfg.LookupTable, cfg.TreeStorage, cfg.Tree, cfg.Log),
		log:         cfg.Log,
	}
	m.hwMu <- hwToken{}
	return m, nil
}

// lockHardware acquires the hardware serialization lock and returns the
// proof-of-lock token.
func (m *CredentialManager) lockHardware() hwToken {
	return <-m.hwMu
}

// unlockHardware releases the hardware serialization lock.
func (m *CredentialManager) unlockHardware(token hwToken) {
	m.hwMu <- token
}

// AddCredential allocates a free leaf, provisions the credential on the
// hardware and returns its label. The metadata write and tree snapshot are
// enqueued for durable commit; the label is returned as soon as the hardware
// mutation succeeds.
func (m *CredentialManager) AddCredential(ctx context.Context, params interfaces.AddCredentialParams) (label interfaces.Label, err error) {
	defer func() { m.diagnostics.OperationOutcome(interfaces.OpAddCredential, err) }()

	token := m.lockHardware()
	defer m.unlockHardware(token)
	m.queue.drain(token)

	label, err = m.tree.GetFreeLeafLabel()
	if err != nil {
		return 0, err
	}
	auxHashes, err := m.tree.GetAuxiliaryHashes(label)
	if err != nil {
		return 0, err
	}

	mac, metadata, err := m.protocol.InsertLeaf(ctx, label, auxHashes, params)
	if err != nil {
		// No tree mutation and no enqueue: the hardware rejected the
		// insert, so there is nothing to mirror.
		return 0, fmt.Errorf("hardware insert_leaf failed: %w", err)
	}

	if err := m.tree.UpdateLeafHash(label, mac); err != nil {
		return 0, fmt.Errorf("%w: failed to mirror inserted leaf: %v", interfaces.ErrInternal, err)
	}
	m.diagnostics.CredentialCount(m.tree.PopulatedSize())
	m.queue.enqueue(token, writeMetadataOp(label, metadata), writeHashTreeOp())
	m.commitAsync()

	m.log.Info("Credential added", slog.String("label", label.String()))
	return label, nil
}

// CheckCredential performs one authentication attempt and, on success,
// returns the released high-entropy secret.
//
// A hardware-acknowledged failed attempt still updates the leaf and enqueues
// the disk writes: the failed attempt is rate-limiting state and must be
// durably recorded. A rate-limited attempt changes nothing.
func (m *CredentialManager) CheckCredential(ctx context.Context, label interfaces.Label, leSecret []byte) (heSecret []byte, err error) {
	defer func() { m.diagnostics.OperationOutcome(interfaces.OpCheckCredential, err) }()

	token := m.lockHardware()
	defer m.unlockHardware(token)
	m.queue.drain(token)

	auxHashes, err := m.tree.GetAuxiliaryHashes(label)
	if err != nil {
		return nil, err
	}
	metadata, _, err := m.lookup.Read(ctx, label)
	if errors.Is(err, interfaces.ErrMetadataNotFound) {
		return nil, fmt.Errorf("%w: no credential at label %s", interfaces.ErrInvalidLabel, label)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential metadata: %w", err)
	}

	result, err := m.protocol.TryAuth(ctx, leSecret, auxHashes, metadata)
	if err != nil {
		return nil, fmt.Errorf("hardware try_auth failed: %w", err)
	}

	switch result.Outcome {
	case interfaces.AuthSuccess:
		if err := m.tree.UpdateLeafHash(label, result.Mac); err != nil {
			return nil, fmt.Errorf("%w: failed to mirror authenticated leaf: %v", interfaces.ErrInternal, err)
		}
		m.queue.enqueue(token, writeMetadataOp(label, result.Metadata), writeHashTreeOp())
		m.commitAsync()
		return result.HeSecret, nil

	case interfaces.AuthFailed:
		if err := m.tree.UpdateLeafHash(label, result.Mac); err != nil {
			return nil, fmt.Errorf("%w: failed to mirror failed attempt: %v", interfaces.ErrInternal, err)
		}
		m.queue.enqueue(token, writeMetadataOp(label, result.Metadata), writeHashTreeOp())
		m.commitAsync()
		return nil, interfaces.ErrInvalidSecret

	case interfaces.AuthRateLimited:
		return nil, &interfaces.RateLimitedError{RetryAfter: result.RetryAfter}

	default:
		return nil, fmt.Errorf("%w: unexpected try_auth outcome %d", interfaces.ErrInternal, result.Outcome)
	}
}

// RemoveCredential deletes the credential at label from the hardware and
// enqueues the matching disk deletions.
func (m *CredentialManager) RemoveCredential(ctx context.Context, label interfaces.Label) (err error) {
	defer func() { m.diagnostics.OperationOutcome(interfaces.OpRemoveCredential, err) }()

	token := m.lockHardware()
	defer m.unlockHardware(token)
	m.queue.drain(token)

	leafMac, err := m.tree.GetLeafHash(label)
	if err != nil {
		return err
	}
	auxHashes, err := m.tree.GetAuxiliaryHashes(label)
	if err != nil {
		return err
	}

	if err := m.protocol.RemoveLeaf(ctx, label, leafMac, auxHashes); err != nil {
		// No tree mutation, no enqueue, no lookup table access.
		return fmt.Errorf("hardware remove_leaf failed: %w", err)
	}

	m.queue.enqueue(token, deleteMetadataOp(label), writeHashTreeOp())
	if err := m.tree.DeleteLeaf(label); err != nil {
		return fmt.Errorf("%w: failed to mirror removed leaf: %v", interfaces.ErrInternal, err)
	}
	m.diagnostics.CredentialCount(m.tree.PopulatedSize())
	m.commitAsync()

	m.log.Info("Credential removed", slog.String("label", label.String()))
	return nil
}

// Reset clears all credential state on the hardware and on disk.
//
// Reset does not drain the pending commit queue first: it may be the recovery
// path out of a persistently failing disk, and a drain here could block it
// forever. Once the chip reset succeeds the queued commits describe state
// that no longer exists anywhere, so they are discarded. The reset tree
// snapshot is persisted synchronously, not through the queue.
func (m *CredentialManager) Reset(ctx context.Context) (err error) {
	defer func() { m.diagnostics.ResetOutcome(err) }()

	token := m.lockHardware()
	defer m.unlockHardware(token)

	if _, err := m.protocol.ResetTree(ctx, m.tree.Shape()); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrChipStateFailedToClear, err)
	}

	m.queue.clear(token)
	if err := m.tree.Reset(); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrDiskStateFailedToClear, err)
	}
	m.diagnostics.CredentialCount(0)

	if err := m.lookup.Reset(ctx); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrDiskStateFailedToClear, err)
	}

	snapshot, err := m.tree.Snapshot()
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrDiskStateFailedToClear, err)
	}
	if err := m.treeStore.Store(context.Background(), snapshot); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrDiskStateFailedToClear, err)
	}

	m.log.Info("Credential state reset")
	return nil
}

// Flush drains the pending commit queue synchronously. Called on shutdown so
// the last operation's disk writes land before the process exits.
func (m *CredentialManager) Flush() {
	token := m.lockHardware()
	defer m.unlockHardware(token)
	m.queue.drain(token)
}

// PendingCommits returns the number of queued disk mutations. Diagnostic
// surface only.
func (m *CredentialManager) PendingCommits() int {
	return m.queue.pending()
}

// CredentialCount returns the number of populated leaves.
func (m *CredentialManager) CredentialCount() uint64 {
	token := m.lockHardware()
	defer m.unlockHardware(token)
	return m.tree.PopulatedSize()
}

// TreeShape returns the geometry of the managed tree.
func (m *CredentialManager) TreeShape() interfaces.TreeShape {
	return m.tree.Shape()
}

// commitAsync kicks an opportunistic background drain. The drain takes the
// hardware lock itself, so it either runs right after the current operation
// releases it or folds into the drain at the start of the next request.
func (m *CredentialManager) commitAsync() {
	go func() {
		token := m.lockHardware()
		defer m.unlockHardware(token)
		m.queue.drain(token)
	}()
}
