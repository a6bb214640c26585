// Package identity defines the three key algorithms a node juggles: Ed25519
// node identity keys used for gossip and handshake signatures, BLS12-381
// consensus keys used for committee certificates, and secp256k1 account keys
// used for the application ledger's externally-owned accounts.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	bls "github.com/herumi/bls-eth-go-binary/bls"

	"github.com/edgemesh/node/pkg/utils"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Sprintf("identity: bls init: %v", err))
	}
	if err := bls.SetETHmode(bls.EthModeDraft07); err != nil {
		panic(fmt.Sprintf("identity: bls eth mode: %v", err))
	}
}

// NodePublicKey identifies a node on the overlay network.
type NodePublicKey [ed25519.PublicKeySize]byte

// NodeSecretKey signs gossip frames, handshake frames, and forwarder updates.
type NodeSecretKey struct {
	pub  NodePublicKey
	priv ed25519.PrivateKey
}

// NodeSignature is an Ed25519 signature over a frame or update digest.
type NodeSignature [ed25519.SignatureSize]byte

// NewNodeSecretKey generates a fresh node keypair.
func NewNodeSecretKey() (NodeSecretKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return NodeSecretKey{}, utils.Wrap(err, "generate node key")
	}
	var npk NodePublicKey
	copy(npk[:], pub)
	return NodeSecretKey{pub: npk, priv: priv}, nil
}

// NodeSecretKeyFromSeed derives a keypair deterministically from a 32-byte seed.
func NodeSecretKeyFromSeed(seed [32]byte) NodeSecretKey {
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)
	var npk NodePublicKey
	copy(npk[:], pub)
	return NodeSecretKey{pub: npk, priv: priv}
}

// PublicKey returns the public half of the key.
func (k NodeSecretKey) PublicKey() NodePublicKey { return k.pub }

// Bytes returns the raw Ed25519 private key (seed||public), the form
// libp2p's crypto.UnmarshalEd25519PrivateKey expects when the overlay
// transport's host identity is derived from this same node key.
func (k NodeSecretKey) Bytes() []byte { return append([]byte{}, k.priv...) }

// Sign produces a signature over digest.
func (k NodeSecretKey) Sign(digest []byte) NodeSignature {
	var sig NodeSignature
	copy(sig[:], ed25519.Sign(k.priv, digest))
	return sig
}

// Verify checks sig against digest under pk.
func (pk NodePublicKey) Verify(digest []byte, sig NodeSignature) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), digest, sig[:])
}

func (pk NodePublicKey) String() string { return hex.EncodeToString(pk[:]) }

// ConsensusPublicKey is a BLS12-381 public key used for committee certificates.
type ConsensusPublicKey struct{ inner bls.PublicKey }

// ConsensusSecretKey signs attestations; a parcel carries one
// CommitteeAttestation per signing committee member.
type ConsensusSecretKey struct{ inner bls.SecretKey }

// ConsensusSignature is a single BLS signature share.
type ConsensusSignature struct{ inner bls.Sign }

// NewConsensusSecretKey generates a fresh BLS keypair.
func NewConsensusSecretKey() ConsensusSecretKey {
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	return ConsensusSecretKey{inner: sk}
}

// PublicKey derives the BLS public key.
func (k ConsensusSecretKey) PublicKey() ConsensusPublicKey {
	return ConsensusPublicKey{inner: *k.inner.GetPublicKey()}
}

// Sign produces a BLS signature share over digest.
func (k ConsensusSecretKey) Sign(digest []byte) ConsensusSignature {
	return ConsensusSignature{inner: *k.inner.SignByte(digest)}
}

// Verify checks a single signature share.
func (pk ConsensusPublicKey) Verify(digest []byte, sig ConsensusSignature) bool {
	return sig.inner.VerifyByte(&pk.inner, digest)
}

// Bytes returns the compressed serialization of the public key, used as a
// stable committee-member identifier.
func (pk ConsensusPublicKey) Bytes() []byte { return pk.inner.Serialize() }

// GobEncode/GobDecode let ConsensusPublicKey travel inside gob-encoded
// parcels despite bls.PublicKey's fields being unexported.
func (pk ConsensusPublicKey) GobEncode() ([]byte, error) { return pk.Bytes(), nil }

func (pk *ConsensusPublicKey) GobDecode(data []byte) error {
	return pk.inner.Deserialize(data)
}

// Bytes returns the serialized signature.
func (sig ConsensusSignature) Bytes() []byte { return sig.inner.Serialize() }

// GobEncode/GobDecode mirror ConsensusPublicKey's, for the same reason.
func (sig ConsensusSignature) GobEncode() ([]byte, error) { return sig.Bytes(), nil }

func (sig *ConsensusSignature) GobDecode(data []byte) error {
	return sig.inner.Deserialize(data)
}

// AggregateAttestation combines per-member signature shares into a single
// aggregate signature, grounded on the committee-attestation shape used by
// the consensus orchestrator (component E) to certify parcels.
func AggregateAttestation(shares []ConsensusSignature) ConsensusSignature {
	if len(shares) == 0 {
		return ConsensusSignature{}
	}
	agg := shares[0].inner
	for _, s := range shares[1:] {
		agg.Add(&s.inner)
	}
	return ConsensusSignature{inner: agg}
}

// VerifyAggregate checks an aggregate signature against the set of public
// keys that contributed to it (fast aggregate verify, single message).
func VerifyAggregate(pks []ConsensusPublicKey, digest []byte, agg ConsensusSignature) bool {
	if len(pks) == 0 {
		return false
	}
	raw := make([]bls.PublicKey, len(pks))
	for i, pk := range pks {
		raw[i] = pk.inner
	}
	return agg.inner.FastAggregateVerify(raw, digest)
}

// AccountPublicKey is a secp256k1 public key identifying an external account
// in the application ledger (§4.C), following Ethereum's address convention.
type AccountPublicKey struct{ inner *secp256k1.PublicKey }

// AccountSecretKey signs ledger transactions (deposits, stakes, transfers).
type AccountSecretKey struct{ inner *secp256k1.PrivateKey }

// NewAccountSecretKey generates a fresh secp256k1 keypair.
func NewAccountSecretKey() (AccountSecretKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return AccountSecretKey{}, utils.Wrap(err, "generate account key")
	}
	return AccountSecretKey{inner: priv}, nil
}

// PublicKey derives the account's public key.
func (k AccountSecretKey) PublicKey() AccountPublicKey {
	return AccountPublicKey{inner: k.inner.PubKey()}
}

// Bytes returns the compressed public key encoding.
func (pk AccountPublicKey) Bytes() []byte { return pk.inner.SerializeCompressed() }

func (pk AccountPublicKey) String() string { return hex.EncodeToString(pk.Bytes()) }
