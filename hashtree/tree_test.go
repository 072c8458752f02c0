package hashtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwtrust/credman/interfaces"
)

func testMac(b byte) interfaces.Mac {
	var mac interfaces.Mac
	for i := range mac {
		mac[i] = b
	}
	return mac
}

func TestTree_AllocateAndPopulate(t *testing.T) {
	tree, err := New(interfaces.TreeShape{Height: 2, Fanout: 4})
	require.NoError(t, err)

	assert.Equal(t, uint64(0), tree.PopulatedSize())

	label, err := tree.GetFreeLeafLabel()
	require.NoError(t, err)
	assert.Equal(t, interfaces.Label(0), label)

	// A free label stays free until a mac is written.
	again, err := tree.GetFreeLeafLabel()
	require.NoError(t, err)
	assert.Equal(t, label, again)

	require.NoError(t, tree.UpdateLeafHash(label, testMac(0xaa)))
	assert.Equal(t, uint64(1), tree.PopulatedSize())

	next, err := tree.GetFreeLeafLabel()
	require.NoError(t, err)
	assert.Equal(t, interfaces.Label(1), next)

	mac, err := tree.GetLeafHash(label)
	require.NoError(t, err)
	assert.Equal(t, testMac(0xaa), mac)
}

func TestTree_Full(t *testing.T) {
	shape := interfaces.TreeShape{Height: 1, Fanout: 2}
	tree, err := New(shape)
	require.NoError(t, err)

	for i := uint64(0); i < shape.NumLeaves(); i++ {
		label, err := tree.GetFreeLeafLabel()
		require.NoError(t, err)
		require.NoError(t, tree.UpdateLeafHash(label, testMac(byte(i))))
	}

	_, err = tree.GetFreeLeafLabel()
	assert.ErrorIs(t, err, interfaces.ErrInternal)
}

func TestTree_AuxiliaryHashShape(t *testing.T) {
	shape := interfaces.TreeShape{Height: 3, Fanout: 4}
	tree, err := New(shape)
	require.NoError(t, err)

	aux, err := tree.GetAuxiliaryHashes(5)
	require.NoError(t, err)
	// Fanout-1 siblings per level.
	assert.Len(t, aux, int(shape.Height)*int(shape.Fanout-1))

	// Populating a sibling changes the leaf-level portion of the aux
	// hashes for label 5 (labels 4..7 share a parent).
	require.NoError(t, tree.UpdateLeafHash(4, testMac(0x11)))
	aux2, err := tree.GetAuxiliaryHashes(5)
	require.NoError(t, err)
	assert.NotEqual(t, aux[0], aux2[0])
	assert.Equal(t, interfaces.Hash(testMac(0x11)), aux2[0])

	// A far-away leaf only affects the upper levels.
	require.NoError(t, tree.UpdateLeafHash(63, testMac(0x22)))
	aux3, err := tree.GetAuxiliaryHashes(5)
	require.NoError(t, err)
	assert.Equal(t, aux2[:6], aux3[:6])
	assert.NotEqual(t, aux2[6:], aux3[6:])
}

func TestTree_RootTracksLeafChanges(t *testing.T) {
	tree, err := New(interfaces.TreeShape{Height: 2, Fanout: 2})
	require.NoError(t, err)

	emptyRoot := tree.RootHash()

	require.NoError(t, tree.UpdateLeafHash(2, testMac(0x33)))
	populatedRoot := tree.RootHash()
	assert.NotEqual(t, emptyRoot, populatedRoot)

	require.NoError(t, tree.DeleteLeaf(2))
	assert.Equal(t, emptyRoot, tree.RootHash())
	assert.Equal(t, uint64(0), tree.PopulatedSize())
}

func TestTree_DeleteErrors(t *testing.T) {
	tree, err := New(interfaces.TreeShape{Height: 2, Fanout: 2})
	require.NoError(t, err)

	assert.ErrorIs(t, tree.DeleteLeaf(99), interfaces.ErrInvalidLabel)
	assert.ErrorIs(t, tree.DeleteLeaf(1), interfaces.ErrInvalidLabel)

	_, err = tree.GetLeafHash(1)
	assert.ErrorIs(t, err, interfaces.ErrInvalidLabel)
}

func TestTree_SnapshotRoundTrip(t *testing.T) {
	tree, err := New(interfaces.TreeShape{Height: 3, Fanout: 2})
	require.NoError(t, err)

	require.NoError(t, tree.UpdateLeafHash(0, testMac(0x01)))
	require.NoError(t, tree.UpdateLeafHash(5, testMac(0x02)))
	require.NoError(t, tree.UpdateLeafHash(7, testMac(0x03)))
	require.NoError(t, tree.DeleteLeaf(5))

	snap, err := tree.Snapshot()
	require.NoError(t, err)

	restored, err := NewFromSnapshot(snap)
	require.NoError(t, err)

	assert.Equal(t, tree.Shape(), restored.Shape())
	assert.Equal(t, tree.PopulatedSize(), restored.PopulatedSize())
	assert.Equal(t, tree.RootHash(), restored.RootHash())

	mac, err := restored.GetLeafHash(7)
	require.NoError(t, err)
	assert.Equal(t, testMac(0x03), mac)

	_, err = restored.GetLeafHash(5)
	assert.ErrorIs(t, err, interfaces.ErrInvalidLabel)
}

func TestTree_SnapshotRejectsGarbage(t *testing.T) {
	_, err := NewFromSnapshot([]byte("not json"))
	assert.Error(t, err)

	_, err = NewFromSnapshot([]byte(`{"shape":{"height":1,"fanout":2},"leaves":{"9":"00"}}`))
	assert.Error(t, err)
}

func TestTree_Reset(t *testing.T) {
	tree, err := New(interfaces.TreeShape{Height: 2, Fanout: 2})
	require.NoError(t, err)
	emptyRoot := tree.RootHash()

	require.NoError(t, tree.UpdateLeafHash(1, testMac(0x44)))
	require.NoError(t, tree.Reset())

	assert.Equal(t, uint64(0), tree.PopulatedSize())
	assert.Equal(t, emptyRoot, tree.RootHash())

	label, err := tree.GetFreeLeafLabel()
	require.NoError(t, err)
	assert.Equal(t, interfaces.Label(0), label)
}
