package results

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tuneinsight/hemeter/aggregator"
)

const schema = `
CREATE TABLE IF NOT EXISTS results (
	id          TEXT PRIMARY KEY,
	operation   TEXT NOT NULL,
	input_count INTEGER NOT NULL,
	ciphertexts INTEGER NOT NULL,
	sources     INTEGER NOT NULL,
	fingerprint TEXT NOT NULL,
	level       INTEGER NOT NULL,
	scale       REAL NOT NULL,
	payload     BLOB NOT NULL,
	issued      INTEGER NOT NULL,
	duration_ms REAL NOT NULL,
	exact       INTEGER NOT NULL,
	bound       REAL,
	power       INTEGER,
	replicated  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS results_issued ON results (issued);
`

const columns = "id, operation, input_count, ciphertexts, sources, fingerprint, level, scale, payload, issued, duration_ms, exact, bound, power, replicated"

// SQLiteSink stores results in one table of a SQLite database.
type SQLiteSink struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

// OpenSQLite opens, and creates if needed, the database at path. A nil
// logger discards.
func OpenSQLite(path string, poolSize int, logger *slog.Logger) (*SQLiteSink, error) {

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
			} {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cannot open results database %s: %w", path, err)
	}

	logger.Info("results database opened", "path", path, "pool_size", poolSize)

	return &SQLiteSink{pool: pool, path: path, logger: logger}, nil
}

// Save inserts the record of res.
func (s *SQLiteSink) Save(ctx context.Context, res *aggregator.Result) (err error) {

	rec, err := res.Record()
	if err != nil {
		return err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("cannot save result %s: %w", rec.ID, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("cannot save result %s: %w", rec.ID, err)
	}
	defer endTransaction(&err)

	exact, replicated := 0, 0
	if rec.Exact {
		exact = 1
	}
	if rec.Replicated {
		replicated = 1
	}

	var bound, power any
	if rec.Estimator != nil {
		bound, power = rec.Estimator.Bound, rec.Estimator.Power
	}

	err = sqlitex.Execute(conn, "INSERT INTO results ("+columns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", &sqlitex.ExecOptions{
		Args: []any{
			rec.ID,
			rec.Operation.String(),
			rec.InputCount,
			rec.Ciphertexts,
			rec.Sources,
			rec.Fingerprint,
			rec.Level,
			rec.Scale,
			rec.Payload,
			rec.Issued.UnixNano(),
			rec.DurationMS,
			exact,
			bound,
			power,
			replicated,
		},
	})
	if err != nil {
		return fmt.Errorf("cannot save result %s: %w", rec.ID, err)
	}

	return nil
}

// List returns the records that match f, oldest first.
func (s *SQLiteSink) List(ctx context.Context, f Filter) ([]*aggregator.Record, error) {

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot list results: %w", err)
	}
	defer s.pool.Put(conn)

	query := "SELECT " + columns + " FROM results WHERE issued >= ?"
	args := []any{int64(0)}

	if !f.Since.IsZero() {
		args[0] = f.Since.UnixNano()
	}

	if f.Operation != 0 {
		query += " AND operation = ?"
		args = append(args, f.Operation.String())
	}

	// The most recent results, put back in chronological order.
	query += " ORDER BY issued DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var recs []*aggregator.Record

	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rec, err := scanRecord(stmt)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cannot list results: %w", err)
	}

	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}

	return recs, nil
}

func scanRecord(stmt *sqlite.Stmt) (*aggregator.Record, error) {

	op, err := aggregator.ParseOperation(stmt.ColumnText(1))
	if err != nil {
		return nil, fmt.Errorf("result %s: %w", stmt.ColumnText(0), err)
	}

	rec := &aggregator.Record{
		ID:          stmt.ColumnText(0),
		Operation:   op,
		InputCount:  stmt.ColumnInt(2),
		Ciphertexts: stmt.ColumnInt(3),
		Sources:     stmt.ColumnInt(4),
		Fingerprint: stmt.ColumnText(5),
		Level:       stmt.ColumnInt(6),
		Scale:       stmt.ColumnFloat(7),
		Payload:     make([]byte, stmt.ColumnLen(8)),
		Issued:      time.Unix(0, stmt.ColumnInt64(9)).UTC(),
		DurationMS:  stmt.ColumnFloat(10),
		Exact:       stmt.ColumnInt(11) != 0,
		Replicated:  stmt.ColumnInt(14) != 0,
	}

	stmt.ColumnBytes(8, rec.Payload)

	if !stmt.ColumnIsNull(12) {
		rec.Estimator = &aggregator.Estimator{
			Bound: stmt.ColumnFloat(12),
			Power: stmt.ColumnInt(13),
		}
	}

	return rec, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("cannot close results database %s: %w", s.path, err)
	}
	s.logger.Info("results database closed", "path", s.path)
	return nil
}
