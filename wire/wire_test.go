package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuneinsight/hemeter"
	"github.com/tuneinsight/hemeter/codec"
	"github.com/tuneinsight/hemeter/engine"
)

func TestFrame(t *testing.T) {

	t.Run("RoundTrip", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, TypePacket, []byte("first")))
		require.NoError(t, WriteFrame(&buf, TypeAck, []byte("second")))
		require.Equal(t, 2*HeaderSize+len("first")+len("second"), buf.Len())
		require.Equal(t, []byte(Magic), buf.Bytes()[:4])

		typ, body, err := ReadFrame(&buf, 16)
		require.NoError(t, err)
		require.Equal(t, TypePacket, typ)
		require.Equal(t, []byte("first"), body)

		typ, body, err = ReadFrame(&buf, 16)
		require.NoError(t, err)
		require.Equal(t, TypeAck, typ)
		require.Equal(t, []byte("second"), body)

		_, _, err = ReadFrame(&buf, 16)
		require.ErrorIs(t, err, io.EOF)
	})

	frame := func() []byte {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, TypePacket, []byte("body")))
		return buf.Bytes()
	}

	for name, mutate := range map[string]func(b []byte) []byte{
		"BadMagic":    func(b []byte) []byte { b[0] = 'X'; return b },
		"BadVersion":  func(b []byte) []byte { b[4] = 2; return b },
		"BadType":     func(b []byte) []byte { b[5] = 9; return b },
		"Reserved":    func(b []byte) []byte { b[7] = 1; return b },
		"EmptyBody":   func(b []byte) []byte { binary.BigEndian.PutUint32(b[8:], 0); return b[:HeaderSize] },
		"TooLarge":    func(b []byte) []byte { binary.BigEndian.PutUint32(b[8:], 1<<20); return b },
		"NotReadable": func(b []byte) []byte { binary.BigEndian.PutUint32(b[8:], ^uint32(0)); return b },
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := ReadFrame(bytes.NewReader(mutate(frame())), 1024)
			require.ErrorIs(t, err, hemeter.ErrMalformedPacket)
		})
	}

	t.Run("Truncated", func(t *testing.T) {
		b := frame()
		_, _, err := ReadFrame(bytes.NewReader(b[:len(b)-1]), 1024)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
		require.False(t, errors.Is(err, hemeter.ErrMalformedPacket))
	})
}

func TestPacket(t *testing.T) {

	ctx, secret, err := engine.NewContext(engine.ExampleParametersLogN10)
	require.NoError(t, err)

	dec, err := engine.NewDecryptor(ctx, secret)
	require.NoError(t, err)

	values := make([]float64, ctx.Slots()+2)
	for i := range values {
		values[i] = float64(i)
	}

	cts, err := engine.NewEngine(ctx).EncryptBatch("meter-7", 40, values)
	require.NoError(t, err)
	require.Len(t, cts, 2)

	for _, c := range []codec.Compression{codec.CompressionNone, codec.CompressionLZ4, codec.CompressionZstd} {
		t.Run("RoundTrip/"+c.String(), func(t *testing.T) {

			p, err := NewPacket("meter-7", cts, c)
			require.NoError(t, err)
			require.Equal(t, len(values), p.Readings())
			require.NoError(t, p.Validate(1<<24))

			var buf bytes.Buffer
			require.NoError(t, WritePacket(&buf, p))

			got, err := ReadPacket(&buf, DefaultMaxFrameSize)
			require.NoError(t, err)
			require.NoError(t, got.Validate(1<<24))
			require.Equal(t, p.SentAt, got.SentAt)

			back, err := got.Ciphertexts(ctx)
			require.NoError(t, err)
			require.Len(t, back, 2)
			require.Equal(t, uint64(41), back[1].Seq)
			require.Equal(t, "meter-7", back[1].SourceID)

			tail, err := dec.Decrypt(back[1])
			require.NoError(t, err)
			require.Len(t, tail, 2)
			require.InDelta(t, float64(ctx.Slots()+1), tail[1], 1e-4)
		})
	}

	t.Run("Zstd/Shrinks", func(t *testing.T) {
		p, err := NewPacket("meter-7", cts, codec.CompressionZstd)
		require.NoError(t, err)
		require.Equal(t, codec.CompressionZstd, p.Items[0].Compression)
		require.Less(t, len(p.Items[0].Payload), p.Items[0].Size)
	})

	valid := func() *Packet {
		p, err := NewPacket("meter-7", cts, codec.CompressionNone)
		require.NoError(t, err)
		return p
	}

	for name, mutate := range map[string]func(p *Packet){
		"NoSource":         func(p *Packet) { p.SourceID = "" },
		"NoFingerprint":    func(p *Packet) { p.Fingerprint = nil },
		"ShortFingerprint": func(p *Packet) { p.Fingerprint = p.Fingerprint[:16] },
		"NoItem":           func(p *Packet) { p.Items = nil },
		"Reordered":        func(p *Packet) { p.Items[0], p.Items[1] = p.Items[1], p.Items[0] },
		"ZeroCount":        func(p *Packet) { p.Items[1].Count = 0 },
		"SizeMismatch":     func(p *Packet) { p.Items[0].Size++ },
		"EmptyPayload":     func(p *Packet) { p.Items[0].Payload = nil },
		"Compression":      func(p *Packet) { p.Items[0].Compression = 7 },
		"ItemTooLarge":     func(p *Packet) { p.Items[0].Size = 1 << 25 },
	} {
		t.Run("Validate/"+name, func(t *testing.T) {
			p := valid()
			mutate(p)
			require.ErrorIs(t, p.Validate(1<<24), hemeter.ErrMalformedPacket)
		})
	}

	t.Run("Decode/Incompatible", func(t *testing.T) {
		other, _, err := engine.NewContext(engine.ExampleParametersLogN10)
		require.NoError(t, err)

		_, err = valid().Ciphertexts(other)
		require.ErrorIs(t, err, hemeter.ErrIncompatibleContext)
	})

	t.Run("Decode/Corrupted", func(t *testing.T) {
		p, err := NewPacket("meter-7", cts, codec.CompressionZstd)
		require.NoError(t, err)
		p.Items[0].Payload = p.Items[0].Payload[:len(p.Items[0].Payload)/2]

		_, err = p.Ciphertexts(ctx)
		require.ErrorIs(t, err, hemeter.ErrMalformedPacket)
	})

	t.Run("Body/Garbage", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, TypePacket, []byte{0xff, 0x00, 0x13}))
		_, err := ReadPacket(&buf, DefaultMaxFrameSize)
		require.ErrorIs(t, err, hemeter.ErrMalformedPacket)
	})

	t.Run("Body/WrongType", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteAck(&buf, &Ack{Status: AckOK, Stored: 1}))
		_, err := ReadPacket(&buf, DefaultMaxFrameSize)
		require.ErrorIs(t, err, hemeter.ErrMalformedPacket)
	})
}

func TestAck(t *testing.T) {

	var buf bytes.Buffer
	require.NoError(t, WriteAck(&buf, &Ack{Status: AckDuplicate, Stored: 1}))
	require.NoError(t, WriteAck(&buf, Reject(hemeter.Errorf(hemeter.IncompatibleContext, "store", "wrong context"))))

	a, err := ReadAck(&buf)
	require.NoError(t, err)
	require.Equal(t, AckDuplicate, a.Status)
	require.Equal(t, 1, a.Stored)
	require.NoError(t, a.Err())

	a, err = ReadAck(&buf)
	require.NoError(t, err)
	require.Equal(t, AckRejected, a.Status)
	require.ErrorIs(t, a.Err(), hemeter.ErrIncompatibleContext)
	require.Contains(t, a.Message, "wrong context")

	require.ErrorIs(t, (&Ack{Status: AckRejected}).Err(), hemeter.ErrMalformedPacket)
}
