// Package negotiation holds the pure decision rules for who dials whom.
//
// Every participant pair needs exactly one caller, decided without any
// coordination, and the same ordering must settle offer glare (both sides
// dialing at once). Both rules live here so the tie break is defined once.
package negotiation

import "strconv"

// Resolution says how to handle a remote offer arriving while a local offer
// is still outstanding.
type Resolution int

const (
	// RollbackLocal: abandon the local offer and answer the remote one.
	RollbackLocal Resolution = iota
	// IgnoreRemote: drop the remote offer and keep waiting for an answer.
	IgnoreRemote
)

func (r Resolution) String() string {
	if r == RollbackLocal {
		return "rollback-local"
	}
	return "ignore-remote"
}

// ShouldInitiate reports whether the local side is the caller for this pair.
// The side with the greater identity dials, so for any distinct pair exactly
// one of ShouldInitiate(a, b) and ShouldInitiate(b, a) is true. Equal
// identities violate the caller contract and never initiate.
func ShouldInitiate(localID, remoteID string) bool {
	return compareIDs(localID, remoteID) > 0
}

// ResolveGlare decides the loser of simultaneous offers: the side with the
// lesser identity rolls its own offer back and answers; the greater side
// ignores the incoming offer and waits for its answer. This is the strict
// complement of ShouldInitiate, so exactly one side rolls back.
func ResolveGlare(localID, remoteID string) Resolution {
	if ShouldInitiate(localID, remoteID) {
		return IgnoreRemote
	}
	return RollbackLocal
}

// compareIDs orders identities numerically when both parse as integers
// (user IDs are numeric in practice) and by byte comparison otherwise.
func compareIDs(a, b string) int {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
