package handshake

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"io"

	"github.com/edgemesh/node/pkg/utils"
)

var errClosed = errors.New("handshake: transport closed")

// decodeRequestFrameBytes decodes a HandshakeRequestFrame from a single,
// already-delimited message (e.g. one WebRTC data channel message).
func decodeRequestFrameBytes(raw []byte) (HandshakeRequestFrame, error) {
	var frame HandshakeRequestFrame
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&frame); err != nil {
		return HandshakeRequestFrame{}, utils.Wrap(err, "decode handshake request frame")
	}
	return frame, nil
}

// writeConnectionHeader writes a length-prefixed gob-encoded ConnectionHeader
// to the service connection, the first thing a new session sends (§4.M step 2).
func writeConnectionHeader(w io.Writer, h ConnectionHeader) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(h); err != nil {
		return utils.Wrap(err, "encode connection header")
	}
	return writeLenPrefixed(w, buf.Bytes())
}

// writeLenPrefixed writes a 4-byte big-endian length followed by payload.
func writeLenPrefixed(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readLenPrefixed reads one length-prefixed payload.
func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeRequestFrame reads and decodes one length-prefixed
// HandshakeRequestFrame from r, the first thing every transport reads.
func DecodeRequestFrame(r io.Reader) (HandshakeRequestFrame, error) {
	raw, err := readLenPrefixed(r)
	if err != nil {
		return HandshakeRequestFrame{}, err
	}
	var frame HandshakeRequestFrame
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&frame); err != nil {
		return HandshakeRequestFrame{}, utils.Wrap(err, "decode handshake request frame")
	}
	return frame, nil
}

// EncodeRequestFrame encodes frame as a length-prefixed payload for sending
// over a Transport.
func EncodeRequestFrame(frame HandshakeRequestFrame) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(frame); err != nil {
		return nil, utils.Wrap(err, "encode handshake request frame")
	}
	var out bytes.Buffer
	if err := writeLenPrefixed(&out, buf.Bytes()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
