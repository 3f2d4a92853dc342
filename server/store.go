package server

import (
	"fmt"
	"sync"

	"github.com/tuneinsight/hemeter/engine"
	"github.com/tuneinsight/hemeter/telemetry"
)

// Store is the per-source log of the ciphertexts received by the server.
// Logs are append-only and ordered by strictly increasing sequence numbers.
//
// Appends to one source are serialized by the mutex of its log. Appends to
// different sources only share the read side of the map lock, which
// Snapshot takes exclusively to observe every log at the same instant.
type Store struct {
	mu   sync.RWMutex
	logs map[string]*sourceLog
}

type sourceLog struct {
	mu       sync.Mutex
	cts      []*engine.Ciphertext
	last     uint64
	has      bool
	gaps     uint64
	readings int
	bytes    int
}

// SourceInfo describes the log of one source.
type SourceInfo struct {
	ID          string `json:"id"`
	Ciphertexts int    `json:"ciphertexts"`
	Readings    int    `json:"readings"`
	Bytes       int    `json:"bytes"`
	LastSeq     uint64 `json:"last_seq"`
	// Gaps is the number of sequence numbers that were skipped, that is
	// batches the producer gave up on.
	Gaps uint64 `json:"gaps"`
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{logs: map[string]*sourceLog{}}
}

// Append appends the ciphertexts of one batch of a source, which must
// have strictly increasing sequence numbers. Ciphertexts whose sequence
// number is not above the last stored one are skipped and counted as
// duplicates. The batch is appended as a whole: no Snapshot observes
// part of it. bytes is the wire size of the batch, for statistics.
func (s *Store) Append(source string, cts []*engine.Ciphertext, bytes int) (stored, duplicates int, err error) {

	if len(cts) == 0 {
		return 0, 0, nil
	}

	for i := 1; i < len(cts); i++ {
		if cts[i].Seq <= cts[i-1].Seq {
			return 0, 0, fmt.Errorf("cannot append: seq %d after seq %d", cts[i].Seq, cts[i-1].Seq)
		}
	}

	for _, ct := range cts {
		if ct.SourceID != source {
			return 0, 0, fmt.Errorf("cannot append: ciphertext of source %q in batch of %q", ct.SourceID, source)
		}
	}

	s.mu.RLock()
	log, ok := s.logs[source]
	if !ok {
		s.mu.RUnlock()
		s.mu.Lock()
		if log, ok = s.logs[source]; !ok {
			log = new(sourceLog)
			s.logs[source] = log
		}
		s.mu.Unlock()
		s.mu.RLock()
	}
	defer s.mu.RUnlock()

	log.mu.Lock()
	defer log.mu.Unlock()

	for _, ct := range cts {

		if log.has && ct.Seq <= log.last {
			duplicates++
			continue
		}

		switch {
		case !log.has:
			log.gaps += ct.Seq
		case ct.Seq > log.last+1:
			log.gaps += ct.Seq - log.last - 1
		}

		log.cts = append(log.cts, ct)
		log.last = ct.Seq
		log.has = true
		log.readings += ct.Count
		stored++
	}

	if stored > 0 {
		log.bytes += bytes
	}

	return
}

// Snapshot returns a copy of the logs of the given sources, or of every
// source if none is given, as of one instant. Unknown sources are
// absent from the result.
func (s *Store) Snapshot(sources ...string) map[string][]*engine.Ciphertext {

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sources) == 0 {
		sources = telemetry.SortedKeys(s.logs)
	}

	snap := make(map[string][]*engine.Ciphertext, len(sources))

	for _, id := range sources {
		if log, ok := s.logs[id]; ok && len(log.cts) > 0 {
			snap[id] = append([]*engine.Ciphertext(nil), log.cts...)
		}
	}

	return snap
}

// Flatten returns the ciphertexts of a snapshot ordered by source, then
// by sequence number.
func Flatten(snap map[string][]*engine.Ciphertext) (cts []*engine.Ciphertext) {
	for _, id := range telemetry.SortedKeys(snap) {
		cts = append(cts, snap[id]...)
	}
	return
}

// Sources describes every source, sorted by id.
func (s *Store) Sources() []SourceInfo {

	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]SourceInfo, 0, len(s.logs))

	for _, id := range telemetry.SortedKeys(s.logs) {
		log := s.logs[id]
		log.mu.Lock()
		infos = append(infos, SourceInfo{
			ID:          id,
			Ciphertexts: len(log.cts),
			Readings:    log.readings,
			Bytes:       log.bytes,
			LastSeq:     log.last,
			Gaps:        log.gaps,
		})
		log.mu.Unlock()
	}

	return infos
}

// Len returns the number of sources.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}
