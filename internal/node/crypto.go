package node

import (
	"bytes"
	"encoding/gob"

	"lukechampine.com/blake3"

	"github.com/edgemesh/node/internal/appstate"
	"github.com/edgemesh/node/internal/identity"
)

// digestUpdatePayload computes the executor's signing digest for payload,
// BLAKE3-hashing its gob encoding the same way the blockstore hashes block
// bytes (§4.B/§4.C share a hash primitive, grounded on hashtree.go's use of
// lukechampine.com/blake3).
func digestUpdatePayload(sender appstate.AccountAddress, payload appstate.UpdatePayload) []byte {
	var buf bytes.Buffer
	buf.Write(sender[:])
	gob.NewEncoder(&buf).Encode(payload)
	sum := blake3.Sum256(buf.Bytes())
	return sum[:]
}

// verifyUpdateSignature treats sender as the Ed25519 overlay public key that
// signed digest, matching §6's note that AccountAddress is either a 20-byte
// account address or a 32-byte node public key.
func verifyUpdateSignature(sender appstate.AccountAddress, digest []byte, sig identity.NodeSignature) bool {
	var pk identity.NodePublicKey
	copy(pk[:], sender[:])
	return pk.Verify(digest, sig)
}
