// Package hashtree maintains the in-memory mirror of the hardware's secret
// tree. The mirror tracks which leaves are populated and the node digests
// needed to compute the auxiliary hashes that address a leaf on the hardware.
package hashtree

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/hwtrust/credman/interfaces"
)

// Tree errors.
var (
	ErrTreeFull         = fmt.Errorf("hash tree full: %w", interfaces.ErrInternal)
	ErrLabelOutOfRange  = fmt.Errorf("label out of range: %w", interfaces.ErrInvalidLabel)
	ErrLeafNotPopulated = fmt.Errorf("leaf not populated: %w", interfaces.ErrInvalidLabel)
)

// Tree implements interfaces.HashTree. Leaf nodes hold the raw mac returned
// by the hardware for that credential (zero for empty leaves); an internal
// node is the SHA-256 digest of its children concatenated in index order.
//
// The tree keeps every node materialized and recomputes only the leaf-to-root
// path on update, so all operations are cheap relative to the hardware calls
// they accompany. Tree is not safe for concurrent use; the credential manager
// serializes access to it.
type Tree struct {
	shape interfaces.TreeShape

	// levels[0] is the leaf level, levels[shape.Height] is the root.
	levels   [][]interfaces.Hash
	occupied *bitset.BitSet
}

// New creates an empty tree of the given shape.
func New(shape interfaces.TreeShape) (*Tree, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}

	t := &Tree{
		shape:    shape,
		occupied: bitset.New(uint(shape.NumLeaves())),
	}
	t.rebuild(nil)
	return t, nil
}

// NewFromSnapshot restores a tree from a snapshot produced by Snapshot.
func NewFromSnapshot(data []byte) (*Tree, error) {
	var snap treeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode tree snapshot: %w", err)
	}
	if err := snap.Shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tree snapshot: %w", err)
	}

	leaves := make(map[interfaces.Label]interfaces.Mac, len(snap.Leaves))
	for labelStr, macHex := range snap.Leaves {
		var label interfaces.Label
		if _, err := fmt.Sscanf(labelStr, "%d", &label); err != nil {
			return nil, fmt.Errorf("invalid label %q in tree snapshot: %w", labelStr, err)
		}
		if uint64(label) >= snap.Shape.NumLeaves() {
			return nil, fmt.Errorf("label %d out of range in tree snapshot", label)
		}
		macBytes, err := hex.DecodeString(macHex)
		if err != nil {
			return nil, fmt.Errorf("invalid mac for label %d in tree snapshot: %w", label, err)
		}
		mac, err := interfaces.NewMacFromBytes(macBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid mac for label %d in tree snapshot: %w", label, err)
		}
		leaves[label] = mac
	}

	t := &Tree{
		shape:    snap.Shape,
		occupied: bitset.New(uint(snap.Shape.NumLeaves())),
	}
	t.rebuild(leaves)
	return t, nil
}

// GetFreeLeafLabel returns the lowest-numbered unpopulated leaf.
func (t *Tree) GetFreeLeafLabel() (interfaces.Label, error) {
	free, ok := t.occupied.NextClear(0)
	if !ok || uint64(free) >= t.shape.NumLeaves() {
		return 0, ErrTreeFull
	}
	return interfaces.Label(free), nil
}

// GetAuxiliaryHashes returns the sibling hashes along the path from label to
// the root, flattened level by level starting at the leaf level. Each level
// contributes Fanout-1 hashes in index order.
func (t *Tree) GetAuxiliaryHashes(label interfaces.Label) ([]interfaces.Hash, error) {
	if uint64(label) >= t.shape.NumLeaves() {
		return nil, ErrLabelOutOfRange
	}

	fanout := uint64(t.shape.Fanout)
	aux := make([]interfaces.Hash, 0, uint64(t.shape.Height)*(fanout-1))
	index := uint64(label)
	for level := uint32(0); level < t.shape.Height; level++ {
		first := index - index%fanout
		for i := first; i < first+fanout; i++ {
			if i == index {
				continue
			}
			aux = append(aux, t.levels[level][i])
		}
		index /= fanout
	}
	return aux, nil
}

// GetLeafHash returns the mac stored in a populated leaf.
func (t *Tree) GetLeafHash(label interfaces.Label) (interfaces.Mac, error) {
	if uint64(label) >= t.shape.NumLeaves() {
		return interfaces.Mac{}, ErrLabelOutOfRange
	}
	if !t.occupied.Test(uint(label)) {
		return interfaces.Mac{}, ErrLeafNotPopulated
	}
	return interfaces.Mac(t.levels[0][label]), nil
}

// UpdateLeafHash writes mac into the leaf, marks it populated and recomputes
// the path to the root.
func (t *Tree) UpdateLeafHash(label interfaces.Label, mac interfaces.Mac) error {
	if uint64(label) >= t.shape.NumLeaves() {
		return ErrLabelOutOfRange
	}
	t.levels[0][label] = interfaces.Hash(mac)
	t.occupied.Set(uint(label))
	t.recomputePath(uint64(label))
	return nil
}

// DeleteLeaf clears a populated leaf back to the empty hash and marks it
// free.
func (t *Tree) DeleteLeaf(label interfaces.Label) error {
	if uint64(label) >= t.shape.NumLeaves() {
		return ErrLabelOutOfRange
	}
	if !t.occupied.Test(uint(label)) {
		return ErrLeafNotPopulated
	}
	t.levels[0][label] = interfaces.Hash{}
	t.occupied.Clear(uint(label))
	t.recomputePath(uint64(label))
	return nil
}

// PopulatedSize returns the number of populated leaves.
func (t *Tree) PopulatedSize() uint64 {
	return uint64(t.occupied.Count())
}

// RootHash returns the current root digest.
func (t *Tree) RootHash() interfaces.Hash {
	return t.levels[t.shape.Height][0]
}

// Shape returns the tree geometry.
func (t *Tree) Shape() interfaces.TreeShape {
	return t.shape
}

// Reset clears every leaf.
func (t *Tree) Reset() error {
	t.occupied.ClearAll()
	t.rebuild(nil)
	return nil
}

type treeSnapshot struct {
	Shape  interfaces.TreeShape `json:"shape"`
	Leaves map[string]string    `json:"leaves"`
}

// Snapshot serializes the shape and the populated leaves. Internal nodes are
// derived state and are rebuilt on restore.
func (t *Tree) Snapshot() ([]byte, error) {
	snap := treeSnapshot{
		Shape:  t.shape,
		Leaves: make(map[string]string, t.occupied.Count()),
	}
	for i, ok := t.occupied.NextSet(0); ok; i, ok = t.occupied.NextSet(i + 1) {
		snap.Leaves[fmt.Sprintf("%d", i)] = hex.EncodeToString(t.levels[0][i][:])
	}
	return json.Marshal(snap)
}

// rebuild recomputes every level from the given populated leaves.
func (t *Tree) rebuild(leaves map[interfaces.Label]interfaces.Mac) {
	numLeaves := t.shape.NumLeaves()
	fanout := uint64(t.shape.Fanout)

	t.levels = make([][]interfaces.Hash, t.shape.Height+1)
	t.levels[0] = make([]interfaces.Hash, numLeaves)
	for label, mac := range leaves {
		t.levels[0][label] = interfaces.Hash(mac)
		t.occupied.Set(uint(label))
	}

	width := numLeaves
	for level := uint32(1); level <= t.shape.Height; level++ {
		width /= fanout
		t.levels[level] = make([]interfaces.Hash, width)
		for i := uint64(0); i < width; i++ {
			t.levels[level][i] = t.hashChildren(level, i)
		}
	}
}

// recomputePath rehashes the ancestors of the given leaf index.
func (t *Tree) recomputePath(index uint64) {
	fanout := uint64(t.shape.Fanout)
	for level := uint32(1); level <= t.shape.Height; level++ {
		index /= fanout
		t.levels[level][index] = t.hashChildren(level, index)
	}
}

// hashChildren digests the children of node (level, index). Level must be an
// internal level.
func (t *Tree) hashChildren(level uint32, index uint64) interfaces.Hash {
	fanout := uint64(t.shape.Fanout)
	h := sha256.New()
	for i := index * fanout; i < (index+1)*fanout; i++ {
		h.Write(t.levels[level-1][i][:])
	}
	var digest interfaces.Hash
	copy(digest[:], h.Sum(nil))
	return digest
}
