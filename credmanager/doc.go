// Package credmanager implements the consistency-preserving orchestration
// layer between the hardware credential protocol and the host-side persistent
// stores.
//
// The manager guarantees that hardware state is never more than one
// unconfirmed disk write ahead of durable storage: every operation first
// drains the pending commit queue, then performs at most one hardware
// mutation, then enqueues the disk writes that mirror it. Disk failures are
// retried indefinitely and exert backpressure on all subsequent operations
// rather than ever dropping a write.
//
// # Lock discipline
//
// Two nested exclusive locks are always acquired in the same order:
//
//  1. the hardware serialization lock, held for the full span of
//     drain-read-mutate-enqueue of every non-reset operation;
//  2. the queue lock, guarding the pending operations themselves.
//
// The ordering is enforced structurally: the queue's mutating methods require
// the hwToken proof that only acquiring the hardware lock produces.
package credmanager
