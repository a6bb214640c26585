package broadcast

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

func digestMessage(m Message) Digest {
	h := blake3.New(32, nil)
	h.Write(m.Origin[:])
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(m.Timestamp))
	h.Write(ts[:])
	h.Write([]byte{byte(m.Topic)})
	h.Write(m.Payload)
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}
