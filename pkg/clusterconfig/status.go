package clusterconfig

import (
	"github.com/looplab/fsm"
)

// Status is an envelope lifecycle state.
type Status string

// Envelope statuses.
const (
	StatusVoting   Status = "voting"
	StatusPending  Status = "pending"
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
	StatusReplaced Status = "replaced"
)

// Statuses lists all known statuses.
var Statuses = []Status{StatusVoting, StatusPending, StatusApplied, StatusRejected, StatusReplaced}

// IsKnown checks whether s is one of the defined statuses.
func (s Status) IsKnown() bool {
	for _, st := range Statuses {
		if s == st {
			return true
		}
	}
	return false
}

// Transition events, the event name is the destination status.
var transitions = fsm.Events{
	{Name: string(StatusPending), Src: []string{string(StatusVoting)}, Dst: string(StatusPending)},
	// Initial config goes straight from voting to applied.
	{Name: string(StatusApplied), Src: []string{string(StatusVoting), string(StatusPending)}, Dst: string(StatusApplied)},
	{Name: string(StatusRejected), Src: []string{string(StatusVoting)}, Dst: string(StatusRejected)},
	{Name: string(StatusReplaced), Src: []string{string(StatusApplied)}, Dst: string(StatusReplaced)},
}

// CanTransition checks whether envelope can move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	m := fsm.NewFSM(string(from), transitions, nil)
	return m.Can(string(to))
}

// Majority returns the number of votes needed to decide among n nodes.
func Majority(n int) int {
	return n/2 + 1
}

// NodeSignatures returns the signatures made by the given nodes, votes of
// other keys must not affect the decision.
func NodeSignatures(signatures []Signature, nodes []string) []Signature {
	set := make(map[string]struct{}, len(nodes))
	for _, k := range nodes {
		set[k] = struct{}{}
	}
	res := make([]Signature, 0, len(signatures))
	for _, s := range signatures {
		if _, ok := set[s.PubKey]; ok {
			res = append(res, s)
		}
	}
	return res
}

// ComputeUpdateStatus derives envelope status from its signatures. It's
// used both when a single signature is added and when the node set changes.
func ComputeUpdateStatus(signatures []Signature, totalNodes int, isInitConfig bool) Status {
	var (
		majority  = Majority(totalNodes)
		available = totalNodes - len(signatures)
		accepted  int
		rejected  int
	)
	for _, s := range signatures {
		if s.Rejected {
			rejected++
		} else {
			accepted++
		}
	}
	switch {
	case accepted >= majority:
		if isInitConfig {
			return StatusApplied
		}
		return StatusPending
	case rejected >= majority, available+accepted < majority:
		return StatusRejected
	default:
		return StatusVoting
	}
}
