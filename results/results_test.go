package results

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tuneinsight/hemeter/aggregator"
	"github.com/tuneinsight/hemeter/engine"
)

var (
	testOnce    sync.Once
	testCtx     *engine.Context
	testResults []*aggregator.Result
)

// getTestResults computes a sum, a mean and a max over the same input.
func getTestResults(t *testing.T) (*engine.Context, []*aggregator.Result) {
	t.Helper()
	testOnce.Do(func() {
		ctx, _, err := engine.NewContext(engine.ExampleParametersLogN10)
		if err != nil {
			panic(err)
		}

		agg, err := aggregator.New(ctx, aggregator.DefaultConfig)
		if err != nil {
			panic(err)
		}

		cts, err := engine.NewEngine(ctx).EncryptBatch("meter-a", 0, []float64{100, 200, 150})
		if err != nil {
			panic(err)
		}

		for _, op := range []aggregator.Operation{aggregator.Sum, aggregator.Mean, aggregator.ApproxMax} {
			res, err := agg.Compute(context.Background(), op, cts)
			if err != nil {
				panic(err)
			}
			testResults = append(testResults, res)
		}

		testCtx = ctx
	})
	return testCtx, testResults
}

type lister interface {
	Sink
	Lister
}

func testLister(t *testing.T, sink lister) {

	ctx, results := getTestResults(t)

	recs, err := sink.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Empty(t, recs)

	want := make([]*aggregator.Record, len(results))
	for i, res := range results {
		require.NoError(t, sink.Save(context.Background(), res))
		want[i], err = res.Record()
		require.NoError(t, err)
	}

	recs, err = sink.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, recs, len(results))

	for i, rec := range recs {
		require.Equal(t, want[i].ID, rec.ID)
		require.True(t, want[i].Issued.Equal(rec.Issued))
		rec.Issued = want[i].Issued
		require.Empty(t, cmp.Diff(want[i], rec))

		res, err := rec.Result(ctx)
		require.NoError(t, err)
		require.Equal(t, results[i].Operation, res.Operation)
		require.Equal(t, results[i].Value.Level(), res.Value.Level())
		require.Equal(t, results[i].Value.Replicated, res.Value.Replicated)
	}

	require.True(t, recs[0].Replicated)
	require.False(t, recs[1].Replicated)

	require.NotNil(t, recs[2].Estimator)
	require.Equal(t, 8, recs[2].Estimator.Power)

	recs, err = sink.List(context.Background(), Filter{Operation: aggregator.Mean})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, aggregator.Mean, recs[0].Operation)

	recs, err = sink.List(context.Background(), Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, want[2].ID, recs[1].ID)

	recs, err = sink.List(context.Background(), Filter{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestFileSink(t *testing.T) {

	sink := NewFileSink(filepath.Join(t.TempDir(), "results.jsonl"))
	testLister(t, sink)

	data, err := os.ReadFile(sink.Path())
	require.NoError(t, err)
	require.Contains(t, string(data), `"operation":"max"`)

	require.NoError(t, os.WriteFile(sink.Path(), []byte("{not json\n"), 0o644))
	_, err = sink.List(context.Background(), Filter{})
	require.Error(t, err)
}

func TestSQLiteSink(t *testing.T) {

	path := filepath.Join(t.TempDir(), "results.db")

	sink, err := OpenSQLite(path, 2, nil)
	require.NoError(t, err)
	testLister(t, sink)

	_, results := getTestResults(t)
	require.Error(t, sink.Save(context.Background(), results[0]), "ids are unique")
	require.NoError(t, sink.Close())

	// The results survive a reopening.
	sink, err = OpenSQLite(path, 1, nil)
	require.NoError(t, err)
	defer sink.Close()

	recs, err := sink.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, recs, len(results))
}

type failingSink struct{ err error }

func (f failingSink) Save(context.Context, *aggregator.Result) error { return f.err }

func TestMulti(t *testing.T) {

	_, results := getTestResults(t)

	file := NewFileSink(filepath.Join(t.TempDir(), "results.jsonl"))
	boom := errors.New("boom")

	err := Multi{failingSink{boom}, file}.Save(context.Background(), results[0])
	require.ErrorIs(t, err, boom)

	recs, err := file.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.NoError(t, Multi{file}.Save(context.Background(), results[1]))
	require.NoError(t, Multi{}.Save(context.Background(), results[2]))
}
