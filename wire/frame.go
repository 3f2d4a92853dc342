// Package wire implements the framed protocol between producers and the
// ingestion server.
//
// Each frame is a 12-byte header followed by a CBOR body:
//
//	[4 bytes magic "HMTR"] [1 byte version] [1 byte type] [2 bytes reserved, zero]
//	[4 bytes body length, big-endian uint32]
//
// A producer writes one packet frame per batch and reads one ack frame in
// return. The server closes the connection after rejecting a frame.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tuneinsight/hemeter"
)

// Magic opens every frame.
const Magic = "HMTR"

// Version is the protocol version written by this package.
const Version = 1

// HeaderSize is the size of a frame header.
const HeaderSize = 12

// DefaultMaxFrameSize bounds the body of a frame. A packet of a few
// ciphertexts at ring degree 2^15 stays well below it.
const DefaultMaxFrameSize = 64 << 20

// FrameType identifies the body of a frame.
type FrameType uint8

const (
	TypePacket FrameType = 1
	TypeAck    FrameType = 2
)

func (t FrameType) String() string {
	switch t {
	case TypePacket:
		return "packet"
	case TypeAck:
		return "ack"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// WriteFrame writes a frame of the given type carrying body.
func WriteFrame(w io.Writer, typ FrameType, body []byte) error {

	var header [HeaderSize]byte
	copy(header[0:4], Magic)
	header[4] = Version
	header[5] = byte(typ)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(body)))

	buf := make([]byte, 0, HeaderSize+len(body))
	buf = append(buf, header[:]...)
	buf = append(buf, body...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", typ, err)
	}

	return nil
}

// ReadFrame reads a frame whose body is at most maxSize bytes. Structural
// errors are MalformedPacket errors; I/O errors, including io.EOF before
// the first header byte, are returned wrapped.
func ReadFrame(r io.Reader, maxSize int) (FrameType, []byte, error) {

	const op = "read frame"

	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("read frame header: %w", err)
	}

	if !bytes.Equal(header[0:4], []byte(Magic)) {
		return 0, nil, hemeter.Errorf(hemeter.MalformedPacket, op, "bad magic %q", header[0:4])
	}

	if header[4] != Version {
		return 0, nil, hemeter.Errorf(hemeter.MalformedPacket, op, "unsupported version %d", header[4])
	}

	typ := FrameType(header[5])
	if typ != TypePacket && typ != TypeAck {
		return 0, nil, hemeter.Errorf(hemeter.MalformedPacket, op, "unknown frame %s", typ)
	}

	if header[6] != 0 || header[7] != 0 {
		return 0, nil, hemeter.Errorf(hemeter.MalformedPacket, op, "reserved bytes are not zero")
	}

	size := binary.BigEndian.Uint32(header[8:12])
	if size == 0 || uint64(size) > uint64(maxSize) {
		return 0, nil, hemeter.Errorf(hemeter.MalformedPacket, op, "body length %d is outside of [1, %d]", size, maxSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("read frame body: %w", err)
	}

	return typ, body, nil
}
