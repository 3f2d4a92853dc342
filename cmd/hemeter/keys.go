package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/tuneinsight/hemeter/engine"
)

// passphraseEnv holds the passphrase of the secret in non-interactive use.
const passphraseEnv = "HEMETER_PASSPHRASE"

// readPassphrase reads the passphrase from file, from the environment, or
// from the terminal with echo disabled. With confirm the prompt is asked
// twice.
func readPassphrase(file string, confirm bool) (string, error) {

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("cannot read passphrase: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}

	if p := os.Getenv(passphraseEnv); p != "" {
		return p, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal available for the passphrase prompt (use --passphrase-file or %s)", passphraseEnv)
	}

	prompt := func(label string) (string, error) {
		fmt.Fprint(os.Stderr, label)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("cannot read passphrase: %w", err)
		}
		return string(b), nil
	}

	p, err := prompt("Passphrase: ")
	if err != nil {
		return "", err
	}

	if p == "" {
		return "", fmt.Errorf("empty passphrase")
	}

	if confirm {
		again, err := prompt("Confirm passphrase: ")
		if err != nil {
			return "", err
		}
		if again != p {
			return "", fmt.Errorf("passphrases do not match")
		}
	}

	return p, nil
}

// recipientsOf parses age recipients (age1...). Without any, the secret
// is sealed under a passphrase.
func recipientsOf(keys []string, passphraseFile string) ([]age.Recipient, error) {

	if len(keys) == 0 {
		p, err := readPassphrase(passphraseFile, true)
		if err != nil {
			return nil, err
		}
		r, err := age.NewScryptRecipient(p)
		if err != nil {
			return nil, err
		}
		return []age.Recipient{r}, nil
	}

	recipients := make([]age.Recipient, len(keys))
	for i, key := range keys {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", key, err)
		}
		recipients[i] = r
	}

	return recipients, nil
}

// identitiesOf reads the age identity file at path. Without a path the
// secret is opened with a passphrase.
func identitiesOf(path, passphraseFile string) ([]age.Identity, error) {

	if path == "" {
		p, err := readPassphrase(passphraseFile, false)
		if err != nil {
			return nil, err
		}
		id, err := age.NewScryptIdentity(p)
		if err != nil {
			return nil, err
		}
		return []age.Identity{id}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read identities: %w", err)
	}
	defer f.Close()

	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("cannot read identities %s: %w", path, err)
	}

	return ids, nil
}

func readContext(path string) (*engine.Context, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read context: %w (run \"hemeter keygen\" first)", err)
	}
	defer f.Close()
	return engine.ReadContext(bufio.NewReader(f))
}

func openSecret(path string, ctx *engine.Context, identities []age.Identity) (*engine.Secret, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open secret: %w", err)
	}
	defer f.Close()
	return engine.OpenSecret(bufio.NewReader(f), ctx, identities...)
}

// writeFile writes data to path through a temporary file, refusing to
// replace an existing file unless force is set.
func writeFile(path string, data []byte, perm os.FileMode, force bool) error {

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to replace it)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func runKeygen(_ context.Context, args []string) error {

	var (
		c              common
		recipients     []string
		passphraseFile string
		force          bool
	)

	flags := newFlagSet("keygen", &c)
	flags.StringArrayVarP(&recipients, "recipient", "r", nil, "seal the secret to this age X25519 recipient (repeatable; default: passphrase)")
	flags.StringVar(&passphraseFile, "passphrase-file", "", "read the passphrase from this file")
	flags.BoolVar(&force, "force", false, "replace existing context and secret files")
	if done, err := parse(flags, args); done || err != nil {
		return err
	}

	cfg, logger, closer, err := c.load()
	if err != nil {
		return err
	}
	defer closer.Close()

	rs, err := recipientsOf(recipients, passphraseFile)
	if err != nil {
		return err
	}

	logger.Info("generating keys", "parameters", cfg.Crypto.ParametersLiteral.String())

	ctx, secret, err := engine.NewContext(cfg.Crypto.ParametersLiteral)
	if err != nil {
		return err
	}

	var public bytes.Buffer
	if _, err = ctx.WriteTo(&public); err != nil {
		return err
	}

	var sealed bytes.Buffer
	if err = engine.SealSecret(&sealed, secret, rs...); err != nil {
		return err
	}

	if err = writeFile(cfg.Crypto.ContextFile, public.Bytes(), 0o644, force); err != nil {
		return fmt.Errorf("cannot write context: %w", err)
	}

	if err = writeFile(cfg.Crypto.SecretFile, sealed.Bytes(), 0o600, force); err != nil {
		return fmt.Errorf("cannot write secret: %w", err)
	}

	fmt.Printf("fingerprint  %s\n", ctx.Fingerprint())
	fmt.Printf("slots        %d\n", ctx.Slots())
	fmt.Printf("levels       %d\n", ctx.MaxLevel())
	fmt.Printf("context      %s (%s)\n", cfg.Crypto.ContextFile, humanize.Bytes(uint64(public.Len())))
	fmt.Printf("secret       %s (%s)\n", cfg.Crypto.SecretFile, humanize.Bytes(uint64(sealed.Len())))

	return nil
}
