package credmanager

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwtrust/credman/hashtree"
	"github.com/hwtrust/credman/interfaces"
)

// orderedLookup records the order of committed lookup table mutations.
type orderedLookup struct {
	fakeLookupTable
	order []string
}

func (t *orderedLookup) Write(ctx context.Context, label interfaces.Label, metadata interfaces.CredentialMetadata) error {
	if err := t.fakeLookupTable.Write(ctx, label, metadata); err != nil {
		return err
	}
	t.order = append(t.order, "write:"+label.String())
	return nil
}

func (t *orderedLookup) Delete(ctx context.Context, label interfaces.Label) error {
	if err := t.fakeLookupTable.Delete(ctx, label); err != nil {
		return err
	}
	t.order = append(t.order, "delete:"+label.String())
	return nil
}

func newQueueFixture(t *testing.T) (*commitQueue, *orderedLookup, *memTreeStore) {
	t.Helper()

	tree, err := hashtree.New(interfaces.TreeShape{Height: 1, Fanout: 2})
	require.NoError(t, err)

	lookup := &orderedLookup{fakeLookupTable: *newFakeLookupTable()}
	store := &memTreeStore{diag: &recordingDiagnostics{}}
	queue := newCommitQueue(lookup, store, tree, slog.New(slog.NewTextHandler(io.Discard, nil)))
	queue.sleep = func(time.Duration) {}
	return queue, lookup, store
}

func TestCommitQueue_FIFO(t *testing.T) {
	queue, lookup, store := newQueueFixture(t)
	token := hwToken{}

	queue.enqueue(token, writeMetadataOp(1, interfaces.CredentialMetadata("a")))
	queue.enqueue(token, writeHashTreeOp(), deleteMetadataOp(1), writeMetadataOp(2, interfaces.CredentialMetadata("b")))
	assert.Equal(t, 4, queue.pending())

	queue.drain(token)

	assert.Equal(t, 0, queue.pending())
	assert.Equal(t, []string{"write:1", "delete:1", "write:2"}, lookup.order)
	assert.Equal(t, 1, store.storeCount())
}

func TestCommitQueue_FailingCommitBlocksSuccessors(t *testing.T) {
	queue, lookup, _ := newQueueFixture(t)
	token := hwToken{}

	// The first write fails three times; the delete behind it must not
	// commit until it has succeeded.
	lookup.failWrites = 3
	queue.enqueue(token, writeMetadataOp(5, interfaces.CredentialMetadata("x")), deleteMetadataOp(5))
	queue.drain(token)

	assert.Equal(t, []string{"write:5", "delete:5"}, lookup.order)
	assert.Equal(t, 4, lookup.writeCalls)
	assert.Equal(t, 0, queue.pending())
}

func TestCommitQueue_Clear(t *testing.T) {
	queue, lookup, store := newQueueFixture(t)
	token := hwToken{}

	queue.enqueue(token, writeMetadataOp(1, interfaces.CredentialMetadata("a")), writeHashTreeOp())
	queue.clear(token)

	assert.Equal(t, 0, queue.pending())
	queue.drain(token)
	assert.Empty(t, lookup.order)
	assert.Equal(t, 0, store.storeCount())
}

func TestCommitQueue_UnknownOperation(t *testing.T) {
	queue, _, _ := newQueueFixture(t)
	err := queue.attemptCommit(commitOperation{kind: commitKind(99)})
	assert.Error(t, err)
}
