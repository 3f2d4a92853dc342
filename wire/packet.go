package wire

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tuneinsight/hemeter"
	"github.com/tuneinsight/hemeter/codec"
	"github.com/tuneinsight/hemeter/engine"
)

// Item is one ciphertext of a packet.
type Item struct {
	Seq         uint64            `cbor:"1,keyasint"`
	Level       int               `cbor:"2,keyasint"`
	Scale       float64           `cbor:"3,keyasint"`
	Count       int               `cbor:"4,keyasint"`
	Compression codec.Compression `cbor:"5,keyasint"`
	// Size is the length of the payload before compression.
	Size    int    `cbor:"6,keyasint"`
	Payload []byte `cbor:"7,keyasint"`
}

// Packet carries the ciphertexts of one batch of a source.
type Packet struct {
	SourceID    string `cbor:"1,keyasint"`
	Fingerprint []byte `cbor:"2,keyasint"`
	// SentAt is the Unix time in nanoseconds at which the packet was built.
	SentAt int64  `cbor:"3,keyasint"`
	Items  []Item `cbor:"4,keyasint"`
}

// NewPacket builds the packet of a batch. Payloads are compressed with c,
// except those that compression would not shrink.
func NewPacket(source string, cts []*engine.Ciphertext, c codec.Compression) (*Packet, error) {

	if len(cts) == 0 {
		return nil, fmt.Errorf("cannot build packet: no ciphertext")
	}

	fp := cts[0].Fingerprint

	p := &Packet{
		SourceID:    source,
		Fingerprint: fp[:],
		SentAt:      time.Now().UnixNano(),
		Items:       make([]Item, len(cts)),
	}

	for i, ct := range cts {

		if ct.Fingerprint != fp {
			return nil, hemeter.Errorf(hemeter.IncompatibleContext, "build packet", "ciphertext %d has fingerprint %s, ciphertext 0 has %s", i, ct.Fingerprint.Short(), fp.Short())
		}

		raw, err := ct.Payload()
		if err != nil {
			return nil, fmt.Errorf("cannot build packet: %w", err)
		}

		item := Item{
			Seq:         ct.Seq,
			Level:       ct.Level(),
			Scale:       ct.Scale(),
			Count:       ct.Count,
			Compression: codec.CompressionNone,
			Size:        len(raw),
			Payload:     raw,
		}

		if c != codec.CompressionNone {
			switch compressed, err := codec.Compress(raw, c); {
			case err == nil:
				item.Compression = c
				item.Payload = compressed
			case !errors.Is(err, codec.ErrIncompressible):
				return nil, fmt.Errorf("cannot build packet: %w", err)
			}
		}

		p.Items[i] = item
	}

	return p, nil
}

// Readings returns the number of readings carried by the packet.
func (p *Packet) Readings() (n int) {
	for _, it := range p.Items {
		n += it.Count
	}
	return
}

// Bytes returns the total size of the payloads as sent.
func (p *Packet) Bytes() (n int) {
	for _, it := range p.Items {
		n += len(it.Payload)
	}
	return
}

// Validate checks the structure of the packet: a source, a fingerprint
// and items with strictly increasing sequence numbers and consistent
// sizes. It does not look into the payloads.
func (p *Packet) Validate(maxItemSize int) error {

	const op = "validate packet"

	if p.SourceID == "" {
		return hemeter.Errorf(hemeter.MalformedPacket, op, "missing source id")
	}

	if len(p.Fingerprint) != len(engine.Fingerprint{}) {
		return hemeter.Errorf(hemeter.MalformedPacket, op, "fingerprint has %d bytes", len(p.Fingerprint))
	}

	if len(p.Items) == 0 {
		return hemeter.Errorf(hemeter.MalformedPacket, op, "no item")
	}

	for i, it := range p.Items {

		if i > 0 && it.Seq <= p.Items[i-1].Seq {
			return hemeter.Errorf(hemeter.MalformedPacket, op, "item %d has seq %d after seq %d", i, it.Seq, p.Items[i-1].Seq)
		}

		if it.Count <= 0 {
			return hemeter.Errorf(hemeter.MalformedPacket, op, "item %d packs %d readings", i, it.Count)
		}

		if len(it.Payload) == 0 || it.Size <= 0 || it.Size > maxItemSize {
			return hemeter.Errorf(hemeter.MalformedPacket, op, "item %d has payload of %d bytes, declared %d", i, len(it.Payload), it.Size)
		}

		switch it.Compression {
		case codec.CompressionNone:
			if it.Size != len(it.Payload) {
				return hemeter.Errorf(hemeter.MalformedPacket, op, "item %d has payload of %d bytes, declared %d", i, len(it.Payload), it.Size)
			}
		case codec.CompressionLZ4, codec.CompressionZstd:
		default:
			return hemeter.Errorf(hemeter.MalformedPacket, op, "item %d uses compression %s", i, it.Compression)
		}
	}

	return nil
}

// Ciphertexts decompresses and decodes the items under ctx. The packet
// must have been validated.
func (p *Packet) Ciphertexts(ctx *engine.Context) ([]*engine.Ciphertext, error) {

	var fp engine.Fingerprint
	copy(fp[:], p.Fingerprint)

	if err := ctx.Compatible("decode packet", fp); err != nil {
		return nil, err
	}

	cts := make([]*engine.Ciphertext, len(p.Items))

	for i, it := range p.Items {

		raw, err := codec.Decompress(it.Payload, it.Compression, it.Size)
		if err != nil {
			return nil, hemeter.Wrap(hemeter.MalformedPacket, "decode packet", err)
		}

		if cts[i], err = ctx.DecodeCiphertext(fp, p.SourceID, it.Seq, it.Count, it.Level, it.Scale, raw); err != nil {
			return nil, err
		}
	}

	return cts, nil
}

// AckStatus is the outcome of a packet at the server.
type AckStatus uint8

const (
	// AckOK means every item was stored.
	AckOK AckStatus = iota + 1
	// AckDuplicate means some items had already been stored and were
	// skipped. The others were stored.
	AckDuplicate
	// AckRejected means nothing was stored and the server closes the
	// connection.
	AckRejected
)

func (s AckStatus) String() string {
	switch s {
	case AckOK:
		return "ok"
	case AckDuplicate:
		return "duplicate"
	case AckRejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Ack is the reply of the server to a packet.
type Ack struct {
	Status AckStatus `cbor:"1,keyasint"`
	// Stored is the number of items appended to the store.
	Stored  int          `cbor:"2,keyasint"`
	Kind    hemeter.Kind `cbor:"3,keyasint,omitempty"`
	Message string       `cbor:"4,keyasint,omitempty"`
}

// Reject returns the ack of a packet that failed with err.
func Reject(err error) *Ack {
	return &Ack{
		Status:  AckRejected,
		Kind:    hemeter.KindOf(err),
		Message: err.Error(),
	}
}

// Err returns the error carried by a rejection, or nil.
func (a *Ack) Err() error {
	if a.Status != AckRejected {
		return nil
	}
	kind := a.Kind
	if kind == hemeter.Unknown {
		kind = hemeter.MalformedPacket
	}
	return hemeter.Errorf(kind, "send packet", "rejected by server: %s", a.Message)
}

// WritePacket writes p as one frame.
func WritePacket(w io.Writer, p *Packet) error {
	body, err := codec.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}
	return WriteFrame(w, TypePacket, body)
}

// WriteAck writes a as one frame.
func WriteAck(w io.Writer, a *Ack) error {
	body, err := codec.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}
	return WriteFrame(w, TypeAck, body)
}

// ReadPacket reads a packet frame. The packet is not validated.
func ReadPacket(r io.Reader, maxSize int) (*Packet, error) {
	p := new(Packet)
	if err := readBody(r, maxSize, TypePacket, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ReadAck reads an ack frame.
func ReadAck(r io.Reader) (*Ack, error) {
	a := new(Ack)
	if err := readBody(r, 1<<16, TypeAck, a); err != nil {
		return nil, err
	}
	return a, nil
}

func readBody(r io.Reader, maxSize int, want FrameType, v any) error {

	typ, body, err := ReadFrame(r, maxSize)
	if err != nil {
		return err
	}

	if typ != want {
		return hemeter.Errorf(hemeter.MalformedPacket, "read frame", "got %s frame, expected %s", typ, want)
	}

	if err = codec.Unmarshal(body, v); err != nil {
		return hemeter.Wrap(hemeter.MalformedPacket, "decode "+want.String(), err)
	}

	return nil
}
