package net

import (
	"github.com/chainpulse/telemetry/src/state"
)

// EntryType discriminates the mutations carried by a ChangeSet.
type EntryType uint8

const (
	// EntryAdd announces a newly connected node with its full state.
	EntryAdd EntryType = iota

	// EntryUpdate carries a partial update to a previously added node.
	EntryUpdate

	// EntryRemove retracts a node that disconnected from the shard.
	EntryRemove
)

// Hello is the first message a shard sends on a fresh link. The moniker is
// a human-readable name for logs; identity is assigned by the core.
type Hello struct {
	Moniker string
}

// HelloAck accepts a link and assigns the shard ID under which all of the
// link's nodes will be keyed.
type HelloAck struct {
	ShardID state.ShardID
}

// Entry is one node mutation within a ChangeSet. Exactly one of State or
// Update is set, according to Type; EntryRemove carries neither.
type Entry struct {
	Type   EntryType
	Node   state.NodeID
	Chain  string            // EntryAdd only
	State  *state.Node       // EntryAdd only
	Update *state.NodeUpdate // EntryUpdate only
}

// ChangeSet is one pre-aggregated batch of node mutations. Entry order is
// meaningful and preserved end to end; Seq increases by one per ChangeSet
// sent on a link.
type ChangeSet struct {
	Seq     uint64
	Entries []Entry
}

// Rejection reports that the core refused to admit a node announced in a
// ChangeSet, typically because its chain is at quota.
type Rejection struct {
	Node   state.NodeID
	Reason string
}

// ChangeSetAck acknowledges one ChangeSet. Rejected lists the EntryAdd
// mutations the core refused; an empty list means every entry was applied.
type ChangeSetAck struct {
	Seq      uint64
	Rejected []Rejection
}
