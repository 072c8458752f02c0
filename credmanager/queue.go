package credmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hwtrust/credman/interfaces"
)

// Retry schedule for failing commits. The first retry is immediate, the next
// two wait a short delay, everything after that waits the long delay and is
// no longer logged.
const (
	shortRetryDelay  = time.Second
	longRetryDelay   = 5 * time.Second
	loggedRetryLimit = 3
)

// commitKind selects the variant of a pending disk mutation.
type commitKind int

const (
	commitWriteMetadata commitKind = iota
	commitDeleteMetadata
	commitWriteHashTree
)

// String returns the variant name for logging.
func (k commitKind) String() string {
	switch k {
	case commitWriteMetadata:
		return "write_metadata"
	case commitDeleteMetadata:
		return "delete_metadata"
	case commitWriteHashTree:
		return "write_hash_tree"
	default:
		return "unknown"
	}
}

// commitOperation is a single pending disk mutation created after a
// successful hardware mutation and consumed once durably committed.
type commitOperation struct {
	kind     commitKind
	label    interfaces.Label
	metadata interfaces.CredentialMetadata
}

func writeMetadataOp(label interfaces.Label, metadata interfaces.CredentialMetadata) commitOperation {
	return commitOperation{kind: commitWriteMetadata, label: label, metadata: metadata}
}

func deleteMetadataOp(label interfaces.Label) commitOperation {
	return commitOperation{kind: commitDeleteMetadata, label: label}
}

func writeHashTreeOp() commitOperation {
	return commitOperation{kind: commitWriteHashTree}
}

// commitQueue is the FIFO of disk mutations awaiting durable commit. It is
// memory only: after a crash, resynchronization of the at most one
// outstanding hardware mutation is the credential protocol's replay
// mechanism's job.
//
// Every mutating method takes an hwToken, the proof that the caller holds the
// hardware serialization lock. This pins the lock ordering: the queue mutex
// is only ever taken under the hardware lock.
type commitQueue struct {
	mu  sync.Mutex
	ops []commitOperation

	lookup    interfaces.LookupTable
	treeStore interfaces.HashTreeStorage
	tree      interfaces.HashTree
	log       *slog.Logger

	// sleep is swapped out by tests exercising the retry schedule.
	sleep func(time.Duration)
}

func newCommitQueue(lookup interfaces.LookupTable, treeStore interfaces.HashTreeStorage, tree interfaces.HashTree, log *slog.Logger) *commitQueue {
	return &commitQueue{
		lookup:    lookup,
		treeStore: treeStore,
		tree:      tree,
		log:       log,
		sleep:     time.Sleep,
	}
}

// enqueue appends operations to the queue.
func (q *commitQueue) enqueue(_ hwToken, ops ...commitOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, ops...)
}

// clear discards every pending operation. Only used by Reset, where the state
// the pending writes mirror has just been destroyed on both chip and disk.
func (q *commitQueue) clear(_ hwToken) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := len(q.ops); n > 0 {
		q.log.Warn("Discarding pending disk commits superseded by reset", slog.Int("pending", n))
	}
	q.ops = nil
}

// pending returns the number of queued operations.
func (q *commitQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// drain commits queued operations in FIFO order and returns only once the
// queue is empty, holding the queue lock for the entire duration. A failing
// commit is retried against the same operation until it succeeds; it is never
// skipped or discarded. Retries are deliberately not cancellable: abandoning
// a commit would let hardware state run ahead of disk by more than the single
// permitted mutation.
func (q *commitQueue) drain(_ hwToken) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.ops) > 0 {
		op := q.ops[0]

		retries := 0
		for {
			err := q.attemptCommit(op)
			if err == nil {
				break
			}

			switch {
			case retries == 0:
				q.log.Warn("Disk commit failed, retrying immediately",
					slog.String("op", op.kind.String()),
					slog.String("label", op.label.String()),
					"err", err)
			case retries < loggedRetryLimit:
				q.log.Warn("Disk commit failed, retrying after delay",
					slog.String("op", op.kind.String()),
					slog.String("label", op.label.String()),
					slog.Int("retries", retries),
					"err", err)
				q.sleep(shortRetryDelay)
			default:
				// Suppressed to avoid log spam on a persistently
				// failing disk.
				q.sleep(longRetryDelay)
			}
			retries++
		}

		if retries > 0 {
			q.log.Info("Disk commit eventually succeeded",
				slog.String("op", op.kind.String()),
				slog.Int("retries", retries))
		}

		q.ops = q.ops[1:]
	}
}

// attemptCommit dispatches one operation to the backing store. Commits run
// outside any request context on purpose: their lifetime is the queue's, not
// the triggering request's.
func (q *commitQueue) attemptCommit(op commitOperation) error {
	ctx := context.Background()

	switch op.kind {
	case commitWriteMetadata:
		return q.lookup.Write(ctx, op.label, op.metadata)
	case commitDeleteMetadata:
		return q.lookup.Delete(ctx, op.label)
	case commitWriteHashTree:
		snapshot, err := q.tree.Snapshot()
		if err != nil {
			return fmt.Errorf("failed to snapshot hash tree: %w", err)
		}
		return q.treeStore.Store(ctx, snapshot)
	default:
		return fmt.Errorf("unknown commit operation %d", op.kind)
	}
}
