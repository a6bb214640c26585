// Package consensus implements the epoch-driven orchestrator (component E):
// while this node is on the current committee it runs a pluggable ordering
// engine and periodically attempts to change epoch; while off-committee it
// executes parcels carrying a quorum of committee attestations.
package consensus

import (
	"github.com/edgemesh/node/internal/appstate"
	"github.com/edgemesh/node/internal/identity"
)

// AuthenticStampedParcel is a certified, totally-ordered batch of
// transactions emitted by the ordering engine (§4.E).
type AuthenticStampedParcel struct {
	Height       uint64
	Transactions []appstate.UpdateRequest
	Digest       [32]byte
	Attestations []CommitteeAttestation
}

// CommitteeAttestation is one committee member's signature share over a
// parcel's digest.
type CommitteeAttestation struct {
	Signer    identity.ConsensusPublicKey
	Signature identity.ConsensusSignature
}

// QuorumThreshold is the minimum attestation count for a committee of size
// n, matching the floor(2n/3)+1 rule used for epoch-change signals (§4.C).
func QuorumThreshold(n int) int {
	if n <= 0 {
		return 0
	}
	return (2*n)/3 + 1
}

// HasQuorum reports whether a parcel carries enough valid attestations from
// distinct committee members to be executed off-committee.
func HasQuorum(parcel AuthenticStampedParcel, committee []identity.ConsensusPublicKey) bool {
	inCommittee := make(map[string]bool, len(committee))
	for _, pk := range committee {
		inCommittee[string(pk.Bytes())] = true
	}
	seen := make(map[string]bool, len(parcel.Attestations))
	valid := 0
	for _, att := range parcel.Attestations {
		key := string(att.Signer.Bytes())
		if !inCommittee[key] || seen[key] {
			continue
		}
		if !att.Signer.Verify(parcel.Digest[:], att.Signature) {
			continue
		}
		seen[key] = true
		valid++
	}
	return valid >= QuorumThreshold(len(committee))
}
