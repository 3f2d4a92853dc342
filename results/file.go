package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tuneinsight/hemeter/aggregator"
)

// FileSink appends results to a file, one JSON record per line.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink returns a FileSink that writes to path. The file is created
// on the first save.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Path returns the path of the file.
func (s *FileSink) Path() string {
	return s.path
}

// Save appends the record of res.
func (s *FileSink) Save(ctx context.Context, res *aggregator.Result) (err error) {

	rec, err := res.Record()
	if err != nil {
		return err
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cannot save result %s: %w", rec.ID, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("cannot save result %s: %w", rec.ID, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("cannot save result %s: %w", rec.ID, cerr)
		}
	}()

	if _, err = f.Write(line); err != nil {
		return fmt.Errorf("cannot save result %s: %w", rec.ID, err)
	}

	return nil
}

// List reads the records of the file that match f, oldest first. A
// missing file has no record.
func (s *FileSink) List(ctx context.Context, f Filter) ([]*aggregator.Record, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot list results: %w", err)
	}
	defer file.Close()

	var recs []*aggregator.Record

	dec := json.NewDecoder(file)
	for {
		rec := new(aggregator.Record)
		if err = dec.Decode(rec); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("cannot list results: %s: %w", s.path, err)
		}
		if f.match(rec) {
			recs = append(recs, rec)
		}
	}

	if f.Limit > 0 && len(recs) > f.Limit {
		recs = recs[len(recs)-f.Limit:]
	}

	return recs, nil
}
