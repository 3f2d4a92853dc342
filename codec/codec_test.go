package codec

import (
	"bytes"
	"math/rand"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string  `cbor:"1,keyasint"`
	Seq   uint64  `cbor:"2,keyasint"`
	Scale float64 `cbor:"3,keyasint"`
	Data  []byte  `cbor:"4,keyasint"`
}

func TestCBOR(t *testing.T) {

	in := record{Name: "meter-7", Seq: 42, Scale: 1 << 30, Data: []byte{1, 2, 3}}

	b1, err := Marshal(in)
	require.NoError(t, err)
	b2, err := Marshal(in)
	require.NoError(t, err)
	require.Equal(t, b1, b2, "deterministic encoding")

	var out record
	require.NoError(t, Unmarshal(b1, &out))
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(in))
	out = record{}
	require.NoError(t, NewDecoder(&buf).Decode(&out))
	require.Equal(t, in.Seq, out.Seq)

	require.Error(t, Unmarshal([]byte{0xff, 0x00}, &out))
}

// sparse mimics a ciphertext of 30-bit residues stored in 64-bit words.
func sparse(n int) []byte {
	r := rand.New(rand.NewSource(1))
	b := make([]byte, 8*n)
	for i := 0; i < n; i++ {
		v := r.Uint32() >> 2
		b[8*i] = byte(v)
		b[8*i+1] = byte(v >> 8)
		b[8*i+2] = byte(v >> 16)
		b[8*i+3] = byte(v >> 24)
	}
	return b
}

func TestCompression(t *testing.T) {

	data := sparse(4096)

	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			packed, err := Compress(data, c)
			require.NoError(t, err)
			if c != CompressionNone {
				require.Less(t, len(packed), len(data))
			}

			unpacked, err := Decompress(packed, c, len(data))
			require.NoError(t, err)
			require.True(t, bytes.Equal(data, unpacked))

			_, err = Decompress(packed, c, len(data)+1)
			require.Error(t, err)
		})
	}

	t.Run("Incompressible", func(t *testing.T) {
		noise := make([]byte, 1024)
		rand.New(rand.NewSource(2)).Read(noise)
		_, err := Compress(noise, CompressionZstd)
		require.ErrorIs(t, err, ErrIncompressible)
	})

	t.Run("Expansion", func(t *testing.T) {

		const declared = 16 << 10
		zeros := make([]byte, 8<<20)

		single := zstdEncoder.EncodeAll(zeros, nil)

		var buf bytes.Buffer
		w, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		_, err = w.Write(zeros)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		stream := buf.Bytes()

		exact := zstdEncoder.EncodeAll(make([]byte, declared), nil)
		concatenated := append(append([]byte{}, exact...), exact...)

		for name, data := range map[string][]byte{
			"Declared":     single,
			"Undeclared":   stream,
			"Concatenated": concatenated,
		} {
			t.Run(name, func(t *testing.T) {
				var before, after runtime.MemStats
				runtime.ReadMemStats(&before)
				_, err := Decompress(data, CompressionZstd, declared)
				runtime.ReadMemStats(&after)
				require.Error(t, err)
				require.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(4<<20))
			})
		}

		out, err := Decompress(exact, CompressionZstd, declared)
		require.NoError(t, err)
		require.Len(t, out, declared)
	})

	t.Run("Parse", func(t *testing.T) {
		for _, name := range []string{"none", "lz4", "zstd"} {
			c, err := ParseCompression(name)
			require.NoError(t, err)
			require.Equal(t, name, c.String())
		}
		_, err := ParseCompression("gzip")
		require.Error(t, err)

		var c Compression
		require.NoError(t, c.UnmarshalText([]byte("lz4")))
		require.Equal(t, CompressionLZ4, c)
	})
}
