package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/require"

	"github.com/tuneinsight/hemeter/aggregator"
	"github.com/tuneinsight/hemeter/engine"
	"github.com/tuneinsight/hemeter/results"
	"github.com/tuneinsight/hemeter/server"
)

// testConfig writes a configuration with small parameters whose files
// live in dir.
func testConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "hemeter.yaml")
	content := strings.NewReplacer("DIR", dir).Replace(`
crypto:
  degree: 1024
  log_q: [60, 40, 40, 40, 40, 40]
  log_p: [60]
  log_scale: 40
  depth: 5
  context_file: DIR/keys/hemeter.context
  secret_file: DIR/keys/hemeter.secret
results:
  file: DIR/results/results.jsonl
log:
  level: error
`)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRun(t *testing.T) {
	require.NoError(t, run(nil))
	require.NoError(t, run([]string{"--help"}))
	require.NoError(t, run([]string{"demo", "--help"}))
	require.Error(t, run([]string{"frobnicate"}))
	require.Error(t, run([]string{"config", "extra"}))
	require.Error(t, run([]string{"config", "--no-such-flag"}))
}

func TestKeygen(t *testing.T) {

	dir := t.TempDir()
	cfgPath := testConfig(t, dir)

	t.Run("Passphrase", func(t *testing.T) {

		pass := filepath.Join(dir, "passphrase")
		require.NoError(t, os.WriteFile(pass, []byte("correct horse battery staple\n"), 0o600))

		require.NoError(t, runKeygen(context.Background(), []string{"-c", cfgPath, "--passphrase-file", pass}))

		// The files exist: a second run must not replace them.
		require.Error(t, runKeygen(context.Background(), []string{"-c", cfgPath, "--passphrase-file", pass}))

		ctx, err := readContext(filepath.Join(dir, "keys", "hemeter.context"))
		require.NoError(t, err)
		require.Equal(t, 512, ctx.Slots())

		ids, err := identitiesOf("", pass)
		require.NoError(t, err)

		secret, err := openSecret(filepath.Join(dir, "keys", "hemeter.secret"), ctx, ids)
		require.NoError(t, err)
		require.Equal(t, ctx.Fingerprint(), secret.Fingerprint())

		info, err := os.Stat(filepath.Join(dir, "keys", "hemeter.secret"))
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		wrong := filepath.Join(dir, "wrong")
		require.NoError(t, os.WriteFile(wrong, []byte("incorrect"), 0o600))
		ids, err = identitiesOf("", wrong)
		require.NoError(t, err)
		_, err = openSecret(filepath.Join(dir, "keys", "hemeter.secret"), ctx, ids)
		require.Error(t, err)
	})

	t.Run("Recipient", func(t *testing.T) {

		id, err := age.GenerateX25519Identity()
		require.NoError(t, err)

		idPath := filepath.Join(dir, "identity.txt")
		require.NoError(t, os.WriteFile(idPath, []byte(id.String()+"\n"), 0o600))

		require.NoError(t, runKeygen(context.Background(), []string{"-c", cfgPath, "--force", "-r", id.Recipient().String()}))

		ctx, err := readContext(filepath.Join(dir, "keys", "hemeter.context"))
		require.NoError(t, err)

		ids, err := identitiesOf(idPath, "")
		require.NoError(t, err)

		_, err = openSecret(filepath.Join(dir, "keys", "hemeter.secret"), ctx, ids)
		require.NoError(t, err)

		require.Error(t, runKeygen(context.Background(), []string{"-c", cfgPath, "--force", "-r", "age1notakey"}))
	})
}

func TestConfigCommand(t *testing.T) {
	require.NoError(t, runConfig(context.Background(), nil))
	require.Error(t, runConfig(context.Background(), []string{"-c", filepath.Join(t.TempDir(), "missing.yaml")}))
}

func TestOpenSinks(t *testing.T) {

	dir := t.TempDir()
	cfgPath := testConfig(t, dir)

	var c common
	c.configPath = cfgPath
	cfg, logger, closer, err := c.load()
	require.NoError(t, err)
	defer closer.Close()

	cfg.Results.SQLite = filepath.Join(dir, "db", "results.db")

	sinks, closeSinks, err := openSinks(cfg.Results, logger)
	require.NoError(t, err)
	require.Len(t, sinks, 2)
	require.NoError(t, closeSinks())

	lister, closeLister, err := openLister(cfg.Results, logger)
	require.NoError(t, err)
	recs, err := lister.List(context.Background(), results.Filter{})
	require.NoError(t, err)
	require.Empty(t, recs)
	require.NoError(t, closeLister())

	cfg.Results.SQLite, cfg.Results.File = "", ""
	_, _, err = openLister(cfg.Results, logger)
	require.Error(t, err)
}

func TestPrintOutcomes(t *testing.T) {

	var buf bytes.Buffer
	printOutcomes(&buf, nil)
	require.Equal(t, "no result\n", buf.String())

	buf.Reset()
	printOutcomes(&buf, []decrypted{
		{
			ID:      "0123456789abcdef",
			Issued:  time.Now(),
			Sources: 2,
			Outcome: &aggregator.Outcome{Operation: aggregator.Sum, Value: 800, Lower: 800, Upper: 800, Exact: true, InputCount: 5},
		},
		{
			ID:      "fedcba9876543210",
			Issued:  time.Now(),
			Sources: 2,
			Outcome: &aggregator.Outcome{Operation: aggregator.ApproxMax, Value: 180, Lower: 180, Upper: 215, InputCount: 5},
		},
	})

	out := buf.String()
	require.Contains(t, out, "01234567")
	require.Contains(t, out, "800.0000")
	require.Contains(t, out, "exact")
	require.Contains(t, out, "[180.0000, 215.0000]")
}

func newTestStore(t *testing.T, ctx *engine.Context) *server.Store {
	t.Helper()

	store := server.NewStore()
	eng := engine.NewEngine(ctx)

	for source, values := range map[string][]float64{
		"meter-a": {100, 200},
		"meter-b": {150, 180, 170},
	} {
		cts, err := eng.EncryptBatch(source, 0, values)
		require.NoError(t, err)
		_, _, err = store.Append(source, cts, 0)
		require.NoError(t, err)
	}

	return store
}

func TestGroundTruth(t *testing.T) {

	ctx, secret, err := engine.NewContext(engine.ExampleParametersLogN10)
	require.NoError(t, err)

	dec, err := engine.NewDecryptor(ctx, secret)
	require.NoError(t, err)

	store := newTestStore(t, ctx)

	truth, err := groundTruth(store, dec)
	require.NoError(t, err)
	require.InDelta(t, 800, truth[aggregator.Sum], 1e-3)
	require.InDelta(t, 160, truth[aggregator.Mean], 1e-3)
	require.InDelta(t, 1160, truth[aggregator.Variance], 1e-2)
	require.InDelta(t, 200, truth[aggregator.ApproxMax], 1e-3)
	require.InDelta(t, 100, truth[aggregator.ApproxMin], 1e-3)

	_, err = groundTruth(server.NewStore(), dec)
	require.Error(t, err)
}
