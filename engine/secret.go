package engine

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"

	"github.com/tuneinsight/hemeter"
	"github.com/tuneinsight/hemeter/codec"
)

// Secret is the secret key of a Context. It is created by NewContext and
// is the only way to build a Decryptor. Components that aggregate never
// hold one.
type Secret struct {
	sk          *rlwe.SecretKey
	fingerprint Fingerprint
}

// Fingerprint returns the fingerprint of the Context the Secret belongs to.
func (s *Secret) Fingerprint() Fingerprint {
	return s.fingerprint
}

type sealedSecret struct {
	Fingerprint Fingerprint `cbor:"1,keyasint"`
	Key         []byte      `cbor:"2,keyasint"`
}

// SealSecret writes the secret age-encrypted to the given recipients, e.g.
// an X25519 recipient or an age.ScryptRecipient built from a passphrase.
func SealSecret(w io.Writer, s *Secret, recipients ...age.Recipient) error {

	if len(recipients) == 0 {
		return fmt.Errorf("cannot seal secret: no recipient")
	}

	key, err := s.sk.MarshalBinary()
	if err != nil {
		return fmt.Errorf("cannot seal secret: %w", err)
	}

	b, err := codec.Marshal(sealedSecret{Fingerprint: s.fingerprint, Key: key})
	if err != nil {
		return fmt.Errorf("cannot seal secret: %w", err)
	}

	aw, err := age.Encrypt(w, recipients...)
	if err != nil {
		return fmt.Errorf("cannot seal secret: %w", err)
	}

	if _, err = aw.Write(b); err != nil {
		return fmt.Errorf("cannot seal secret: %w", err)
	}

	return aw.Close()
}

// OpenSecret reads a secret sealed with SealSecret and checks that it
// belongs to ctx.
func OpenSecret(r io.Reader, ctx *Context, identities ...age.Identity) (*Secret, error) {

	ar, err := age.Decrypt(r, identities...)
	if err != nil {
		return nil, fmt.Errorf("cannot open secret: %w", err)
	}

	var buf bytes.Buffer
	if _, err = buf.ReadFrom(ar); err != nil {
		return nil, fmt.Errorf("cannot open secret: %w", err)
	}

	var sealed sealedSecret
	if err = codec.Unmarshal(buf.Bytes(), &sealed); err != nil {
		return nil, fmt.Errorf("cannot open secret: %w", err)
	}

	if err = ctx.Compatible("open secret", sealed.Fingerprint); err != nil {
		return nil, err
	}

	sk := rlwe.NewSecretKey(ctx.params)
	if err = sk.UnmarshalBinary(sealed.Key); err != nil {
		return nil, hemeter.Wrap(hemeter.ParamError, "open secret", err)
	}

	return &Secret{sk: sk, fingerprint: sealed.Fingerprint}, nil
}
