// Package state defines the telemetry view of a blockchain node and the
// partial-update merge rules shared by the shard and core tiers.
package state

// NodeID identifies a node session within a single shard process. IDs are
// assigned from a monotonically increasing counter and never reused for the
// lifetime of the process, so a removal can never alias a later session.
type NodeID uint32

// ShardID identifies one shard link session at the core. A shard that
// reconnects gets a fresh ShardID; IDs are never reused within a core
// process.
type ShardID uint32

// NodeKey is the global identity of a node session: the shard that owns the
// session plus the shard-local node ID.
type NodeKey struct {
	Shard ShardID `json:"shard"`
	Node  NodeID  `json:"node"`
}

// NodeDetails holds the static description a node declares when it
// connects. It never changes for the lifetime of the session.
type NodeDetails struct {
	Name           string `json:"name"`
	Implementation string `json:"implementation"`
	Version        string `json:"version"`
	NetworkID      string `json:"network_id"`
	GenesisHash    string `json:"genesis_hash"`
	StartupTime    string `json:"startup_time"`
	Validator      bool   `json:"validator"`
}

// NodeStats holds the periodically reported vitals of a node.
type NodeStats struct {
	PeerCount         int    `json:"peer_count"`
	BandwidthUpload   uint64 `json:"bandwidth_upload"`
	BandwidthDownload uint64 `json:"bandwidth_download"`
}

// Block is a block position as reported by a node.
type Block struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// After reports whether b is a later position than other.
func (b Block) After(other Block) bool {
	return b.Height > other.Height
}

// Node is the full telemetry state of one node session.
type Node struct {
	Details   NodeDetails `json:"details"`
	Stats     NodeStats   `json:"stats"`
	Best      Block       `json:"best"`
	Finalized Block       `json:"finalized"`
}

// NodeUpdate is a partial update to a Node. Only non-nil fields carry new
// values; a nil field leaves the corresponding state untouched.
type NodeUpdate struct {
	Stats     *NodeStats `json:"stats,omitempty"`
	Best      *Block     `json:"best,omitempty"`
	Finalized *Block     `json:"finalized,omitempty"`
}

// IsEmpty reports whether the update carries no fields at all.
func (u NodeUpdate) IsEmpty() bool {
	return u.Stats == nil && u.Best == nil && u.Finalized == nil
}

// Apply writes the update's present fields onto n, field-wise
// last-write-wins.
func (u NodeUpdate) Apply(n *Node) {
	if u.Stats != nil {
		n.Stats = *u.Stats
	}
	if u.Best != nil {
		n.Best = *u.Best
	}
	if u.Finalized != nil {
		n.Finalized = *u.Finalized
	}
}

// Merge folds a later update into u. Fields present in later overwrite
// fields present in u; fields absent from later survive. The result is
// equivalent to applying u then later.
func (u *NodeUpdate) Merge(later NodeUpdate) {
	if later.Stats != nil {
		s := *later.Stats
		u.Stats = &s
	}
	if later.Best != nil {
		b := *later.Best
		u.Best = &b
	}
	if later.Finalized != nil {
		f := *later.Finalized
		u.Finalized = &f
	}
}

// Copy returns a deep copy of the update, so a coalescing buffer never
// shares pointers with its producer.
func (u NodeUpdate) Copy() NodeUpdate {
	var cp NodeUpdate
	cp.Merge(u)
	return cp
}
