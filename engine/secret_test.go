package engine

import (
	"bytes"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/require"

	"github.com/tuneinsight/hemeter"
)

func testSecret(tc *testContext, t *testing.T) {

	t.Run(GetTestName(tc.ctx, "Secret/X25519"), func(t *testing.T) {

		identity, err := age.GenerateX25519Identity()
		require.NoError(t, err)

		var sealed bytes.Buffer
		require.NoError(t, SealSecret(&sealed, tc.secret, identity.Recipient()))
		require.NotContains(t, sealed.String(), "hemeter")

		secret, err := OpenSecret(bytes.NewReader(sealed.Bytes()), tc.ctx, identity)
		require.NoError(t, err)
		require.Equal(t, tc.ctx.Fingerprint(), secret.Fingerprint())

		dec, err := NewDecryptor(tc.ctx, secret)
		require.NoError(t, err)

		cts, err := tc.engine.EncryptBatch("meter-4", 0, []float64{42})
		require.NoError(t, err)
		v, err := dec.Value(cts[0])
		require.NoError(t, err)
		require.InDelta(t, 42, v, 1e-6)

		other, err := age.GenerateX25519Identity()
		require.NoError(t, err)
		_, err = OpenSecret(bytes.NewReader(sealed.Bytes()), tc.ctx, other)
		require.Error(t, err)
	})

	t.Run(GetTestName(tc.ctx, "Secret/Passphrase"), func(t *testing.T) {

		recipient, err := age.NewScryptRecipient("correct horse battery staple")
		require.NoError(t, err)
		recipient.SetWorkFactor(10)

		var sealed bytes.Buffer
		require.NoError(t, SealSecret(&sealed, tc.secret, recipient))

		identity, err := age.NewScryptIdentity("correct horse battery staple")
		require.NoError(t, err)

		_, err = OpenSecret(&sealed, tc.ctx, identity)
		require.NoError(t, err)
	})

	t.Run(GetTestName(tc.ctx, "Secret/WrongContext"), func(t *testing.T) {

		other, otherSecret, err := NewContext(tc.ctx.Literal())
		require.NoError(t, err)

		_, err = NewDecryptor(tc.ctx, otherSecret)
		require.ErrorIs(t, err, hemeter.ErrIncompatibleContext)

		identity, err := age.GenerateX25519Identity()
		require.NoError(t, err)

		var sealed bytes.Buffer
		require.NoError(t, SealSecret(&sealed, otherSecret, identity.Recipient()))

		_, err = OpenSecret(&sealed, tc.ctx, identity)
		require.ErrorIs(t, err, hemeter.ErrIncompatibleContext)

		// Ciphertexts of another context are refused rather than decrypted
		// into noise.
		cts, err := NewEngine(other).EncryptBatch("meter-5", 0, []float64{1})
		require.NoError(t, err)
		_, err = tc.decryptor.Decrypt(cts[0])
		require.ErrorIs(t, err, hemeter.ErrIncompatibleContext)

		require.Error(t, SealSecret(&sealed, tc.secret))
	})
}

func TestPrecisionStats(t *testing.T) {

	prec, err := GetPrecisionStats([]float64{1, 2, 3, 4}, []float64{1, 2.5, 3, 3})
	require.NoError(t, err)
	require.Equal(t, 0.0, prec.MINErr)
	require.Equal(t, 1.0, prec.MAXErr)
	require.Equal(t, 0.375, prec.AVGErr)
	require.Equal(t, 0.25, prec.MEDErr)
	require.Equal(t, 0.0, prec.MINLog2Prec)
	require.Contains(t, prec.String(), "MAX Err")

	_, err = GetPrecisionStats([]float64{1}, nil)
	require.Error(t, err)
}
