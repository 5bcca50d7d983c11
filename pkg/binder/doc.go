// Package binder implements an in-process object-capability transaction
// engine. A Domain holds a set of participant processes (Proc). Each
// participant exports objects as nodes, addresses other participants'
// nodes through per-participant handles, and exchanges transactions
// whose payloads may embed object references, descriptors and
// scatter-gather buffers. The command and event streams consumed and
// produced by Proc.WriteRead are byte-compatible with protocol version
// 8 of the kernel driver this engine models; pkg/wire holds the codec.
//
// Lock ordering
//
// The engine uses four lock tiers, acquired in tier order. The order is
// global across participants: while holding a lock of one participant,
// a higher-tier lock of another participant may be taken, which is how
// state shared between a node's owner and its referrers is reconciled.
// Two locks of the same tier are never held together. The domain's
// registrar mutex sits above every tier.
//
//  1. Proc.outer: handle tables (refsByDesc, refsByNode).
//  2. Node.mu: node refcounts, the inbound ref list, death
//     notification arming.
//  3. Proc.inner: threads, work queues (the node's asyncTodo
//     included), call stacks, buffers, node table, looper bookkeeping.
//  4. Transaction.lock: the from/to endpoint pointers of one in-flight
//     transaction.
//
// Functions that require a caller-held lock take an unexported guard
// value produced by the corresponding lock method; the guard is proof
// of acquisition and carries no state of its own. Fields guarded by a
// lock are annotated with GUARDED_BY in the struct definition.
package binder
