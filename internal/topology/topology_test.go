package topology

import (
	"testing"

	"github.com/edgemesh/node/internal/appstate"
	"github.com/edgemesh/node/internal/identity"
)

type fakeQuery struct {
	committee []appstate.NodeIndex
	registry  []appstate.NodeInfo
	index     map[identity.NodePublicKey]appstate.NodeIndex
	epoch     uint64
}

func (f *fakeQuery) GetCommitteeMembers() []appstate.NodeIndex { return f.committee }
func (f *fakeQuery) GetNodeRegistry(*appstate.PagingParams) []appstate.NodeInfo { return f.registry }
func (f *fakeQuery) PubkeyToIndex(pk identity.NodePublicKey) (appstate.NodeIndex, bool) {
	idx, ok := f.index[pk]
	return idx, ok
}
func (f *fakeQuery) GetEpochInfo() appstate.EpochInfo { return appstate.EpochInfo{Epoch: f.epoch} }

func pk(b byte) identity.NodePublicKey {
	var k identity.NodePublicKey
	k[0] = b
	return k
}

func TestComputeSeparatesCommitteeFromOuterRing(t *testing.T) {
	self := pk(0)
	committeeMember := pk(1)
	outerMember := pk(2)
	q := &fakeQuery{
		committee: []appstate.NodeIndex{10},
		registry: []appstate.NodeInfo{
			{PublicKey: self},
			{PublicKey: committeeMember},
			{PublicKey: outerMember},
		},
		index: map[identity.NodePublicKey]appstate.NodeIndex{
			committeeMember: 10,
			outerMember:     20,
		},
		epoch: 3,
	}

	rings := Compute(self, q)
	if len(rings) != 2 {
		t.Fatalf("expected 2 rings, got %d", len(rings))
	}
	if len(rings[0]) != 1 || rings[0][0] != committeeMember {
		t.Fatalf("expected inner ring to contain only the committee member, got %v", rings[0])
	}
	if len(rings[1]) != 1 || rings[1][0] != outerMember {
		t.Fatalf("expected outer ring to contain only the non-committee member, got %v", rings[1])
	}
}

func TestComputeIsDeterministicAcrossCalls(t *testing.T) {
	self := pk(0)
	q := &fakeQuery{
		registry: []appstate.NodeInfo{{PublicKey: self}, {PublicKey: pk(1)}, {PublicKey: pk(2)}, {PublicKey: pk(3)}},
		index:    map[identity.NodePublicKey]appstate.NodeIndex{},
		epoch:    7,
	}
	a := Compute(self, q)
	b := Compute(self, q)
	if len(a[1]) != len(b[1]) {
		t.Fatalf("ring sizes should match across calls")
	}
	for i := range a[1] {
		if a[1][i] != b[1][i] {
			t.Fatalf("ring ordering should be deterministic for the same epoch")
		}
	}
}
