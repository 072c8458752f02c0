package interfaces

import "context"

// HashTree is the in-memory mirror of the tree shape held by the hardware.
// It tracks leaf occupancy and the auxiliary hashes needed to address a leaf
// on the hardware. All operations are synchronous and in-memory; the manager
// owns the single instance and serializes access to it.
type HashTree interface {
	// GetFreeLeafLabel returns the label of an unpopulated leaf, or an
	// error when the tree is full.
	GetFreeLeafLabel() (Label, error)

	// GetAuxiliaryHashes returns, flattened level by level from leaf to
	// root, the sibling hashes the hardware needs to address label.
	GetAuxiliaryHashes(label Label) ([]Hash, error)

	// GetLeafHash returns the mac currently stored in the populated leaf.
	GetLeafHash(label Label) (Mac, error)

	// UpdateLeafHash writes mac into the leaf and recomputes the path to
	// the root. The leaf is marked populated.
	UpdateLeafHash(label Label, mac Mac) error

	// DeleteLeaf clears the leaf back to the empty hash and marks it free.
	DeleteLeaf(label Label) error

	// PopulatedSize returns the number of populated leaves.
	PopulatedSize() uint64

	// RootHash returns the current root digest.
	RootHash() Hash

	// Shape returns the tree geometry.
	Shape() TreeShape

	// Snapshot serializes the full tree state for durable storage.
	Snapshot() ([]byte, error)

	// Reset clears every leaf.
	Reset() error
}

// LookupTable is the persistent label-keyed store holding the opaque
// per-credential metadata the hardware protocol needs on each authentication
// attempt. Write, Delete and Reset may fail transiently (I/O errors); such
// failures are exactly what the manager's commit queue retries.
type LookupTable interface {
	// Write stores metadata under label, replacing any previous value and
	// bumping its version.
	Write(ctx context.Context, label Label, metadata CredentialMetadata) error

	// Read returns the stored metadata and its version, or
	// ErrMetadataNotFound.
	Read(ctx context.Context, label Label) (CredentialMetadata, uint64, error)

	// Delete removes the entry for label. Deleting an absent label is not
	// an error.
	Delete(ctx context.Context, label Label) error

	// Reset removes every entry.
	Reset(ctx context.Context) error
}

// HashTreeStorage durably persists full snapshots of the hash tree.
// Implementations emit a tree-store outcome diagnostic on every Store.
type HashTreeStorage interface {
	// Store persists the snapshot, replacing any previous one.
	Store(ctx context.Context, snapshot []byte) error

	// Load returns the most recent snapshot, or ErrNoTreeSnapshot.
	Load(ctx context.Context) ([]byte, error)
}

// Diagnostics is the observability sink for outcome and count events.
type Diagnostics interface {
	// CredentialCount reports the number of populated leaves. Emitted
	// immediately after the in-memory tree mutation, not after the disk
	// commit.
	CredentialCount(n uint64)

	// OperationOutcome reports the result of one incoming add, check or
	// remove request. A nil result means success.
	OperationOutcome(kind OperationKind, result error)

	// ResetOutcome reports the result of one incoming reset request.
	ResetOutcome(result error)

	// TreeStoreOutcome reports the result of one hash tree store attempt.
	TreeStoreOutcome(result error)
}

// OperationKind names an incoming credential operation for diagnostics.
type OperationKind string

const (
	OpAddCredential    OperationKind = "add_credential"
	OpCheckCredential  OperationKind = "check_credential"
	OpRemoveCredential OperationKind = "remove_credential"
)
