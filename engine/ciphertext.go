package engine

import (
	"fmt"
	"math"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"

	"github.com/tuneinsight/hemeter"
)

// Ciphertext is an encrypted slot vector together with the metadata the
// rest of the system needs without decrypting it. It is never modified
// after creation: homomorphic operations return new values.
type Ciphertext struct {
	// Fingerprint identifies the Context the ciphertext was created under.
	Fingerprint Fingerprint
	// SourceID is the producer the readings come from. Aggregates have none.
	SourceID string
	// Seq is the batch sequence number assigned by the producer.
	Seq uint64
	// Count is the number of readings packed in the first slots.
	Count int
	// Replicated reports that every slot holds the value of the first, as
	// left by folding the slots of an aggregate. Only the first slot is
	// meaningful.
	Replicated bool
	// Value is the encrypted payload.
	Value *rlwe.Ciphertext
}

// Level returns the number of rescalings the ciphertext can still undergo.
func (ct *Ciphertext) Level() int {
	return ct.Value.Level()
}

// Scale returns the fixed-point scale of the payload.
func (ct *Ciphertext) Scale() float64 {
	return ct.Value.Scale.Float64()
}

// Payload returns the binary form of the encrypted payload.
func (ct *Ciphertext) Payload() ([]byte, error) {
	return ct.Value.MarshalBinary()
}

// DecodeCiphertext rebuilds a Ciphertext from a payload received from the
// network and checks that the payload agrees with the declared metadata.
func (c *Context) DecodeCiphertext(fp Fingerprint, source string, seq uint64, count, level int, scale float64, payload []byte) (*Ciphertext, error) {

	const op = "decode ciphertext"

	if err := c.Compatible(op, fp); err != nil {
		return nil, err
	}

	if count <= 0 || count > c.Slots() {
		return nil, hemeter.Errorf(hemeter.MalformedPacket, op, "count %d is outside of [1, %d]", count, c.Slots())
	}

	if level < 0 || level > c.MaxLevel() {
		return nil, hemeter.Errorf(hemeter.MalformedPacket, op, "level %d is outside of [0, %d]", level, c.MaxLevel())
	}

	v := rlwe.NewCiphertext(c.params, 1, level)
	if size := v.BinarySize(); len(payload) != size {
		return nil, hemeter.Errorf(hemeter.MalformedPacket, op, "payload has %d bytes, a level %d ciphertext has %d", len(payload), level, size)
	}

	if err := unmarshalPayload(v, payload); err != nil {
		return nil, hemeter.Wrap(hemeter.MalformedPacket, op, err)
	}

	if v.MetaData == nil || v.Degree() != 1 || v.Value[0].N() != c.params.N() || v.Value[1].N() != c.params.N() {
		return nil, hemeter.Errorf(hemeter.MalformedPacket, op, "payload is not a degree-1 ciphertext of ring degree %d", c.params.N())
	}

	if v.Level() != level {
		return nil, hemeter.Errorf(hemeter.MalformedPacket, op, "payload has level %d, declared level %d", v.Level(), level)
	}

	if v.LogDimensions.Cols != c.params.LogMaxSlots() {
		return nil, hemeter.Errorf(hemeter.MalformedPacket, op, "payload has %d slots", 1<<v.LogDimensions.Cols)
	}

	if got := v.Scale.Float64(); got != scale {
		return nil, hemeter.Errorf(hemeter.MalformedPacket, op, "payload scale %g does not match declared scale %g", got, scale)
	}

	return &Ciphertext{
		Fingerprint: fp,
		SourceID:    source,
		Seq:         seq,
		Count:       count,
		Value:       v,
	}, nil
}

// unmarshalPayload reads payload into v. The decoder of the library
// indexes slices with the lengths found in the payload, so a crafted
// payload can panic instead of returning an error.
func unmarshalPayload(v *rlwe.Ciphertext, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid payload: %v", r)
		}
	}()
	return v.UnmarshalBinary(payload)
}

func (ct *Ciphertext) String() string {
	return fmt.Sprintf("Ciphertext{source=%q seq=%d count=%d level=%d scale=2^%.2f fp=%s}",
		ct.SourceID, ct.Seq, ct.Count, ct.Level(), math.Log2(ct.Scale()), ct.Fingerprint.Short())
}
