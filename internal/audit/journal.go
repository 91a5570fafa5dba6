// Package audit keeps an append-only journal of safety-relevant events
// (stage changes, emergency stops, overheat cuts) in an embedded BadgerDB.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/turtacn/Kestrel/pkg/logger"
)

// Kind classifies journal entries.
type Kind string

const (
	KindStageChange    Kind = "stage_change"
	KindEmergencyStop  Kind = "emergency_stop"
	KindTimeout        Kind = "timeout"
	KindConnectionLost Kind = "connection_lost"
	KindOverheatCut    Kind = "overheat_cut"
	KindPropellers     Kind = "propellers"
)

// Entry is one journal record.
type Entry struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Kind   Kind      `json:"kind"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to,omitempty"`
	Motor  int       `json:"motor,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// Recorder is what producers of audit entries depend on.
type Recorder interface {
	Record(ctx context.Context, e Entry) (uint64, error)
}

// Discard drops every entry.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(context.Context, Entry) (uint64, error) { return 0, nil }

// Config configures the journal store.
type Config struct {
	// Path is the database directory; ignored when InMemory is set.
	Path     string
	InMemory bool
	// SyncWrites fsyncs each entry before Record returns.
	SyncWrites bool
	Logger     logger.Logger
}

var keyPrefix = []byte("audit/")

// Journal is a Recorder backed by BadgerDB. Safe for concurrent use.
type Journal struct {
	db  *badger.DB
	log logger.Logger
	now func() time.Time

	mu  sync.Mutex
	seq uint64
}

// badgerLogger routes badger's printf-style logging into our logger.
type badgerLogger struct{ l logger.Logger }

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn(fmt.Sprintf(format, args...))
}

// Badger is chatty at info level.
func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.l.Debug(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.l.Debug(fmt.Sprintf(format, args...))
}

// Open opens (or creates) the journal.
func Open(cfg Config) (*Journal, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("audit: path is required for a persistent journal")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Log
	}
	log = log.With("component", "audit")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("audit: create %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{l: log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: open badger: %w", err)
	}
	j := &Journal{db: db, log: log, now: time.Now}
	if j.seq, err = j.lastSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("Audit journal opened", "in_memory", cfg.InMemory, "path", cfg.Path, "entries", j.seq)
	return j, nil
}

func key(seq uint64) []byte {
	k := make([]byte, len(keyPrefix)+8)
	copy(k, keyPrefix)
	binary.BigEndian.PutUint64(k[len(keyPrefix):], seq)
	return k
}

func (j *Journal) lastSeq() (uint64, error) {
	var seq uint64
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the largest key <= the seek key.
		it.Seek(key(^uint64(0)))
		if it.ValidForPrefix(keyPrefix) {
			k := it.Item().Key()
			seq = binary.BigEndian.Uint64(k[len(keyPrefix):])
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("audit: scan journal: %w", err)
	}
	return seq, nil
}

// Record appends e, assigning its sequence number and, if unset, its time.
func (j *Journal) Record(ctx context.Context, e Entry) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	e.Seq = j.seq + 1
	if e.Time.IsZero() {
		e.Time = j.now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("audit: encode entry: %w", err)
	}
	if err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(e.Seq), data)
	}); err != nil {
		j.log.Error("Failed to record audit entry", "kind", e.Kind, "err", err)
		return 0, fmt.Errorf("audit: write entry: %w", err)
	}
	j.seq = e.Seq
	return e.Seq, nil
}

// Entries returns up to limit of the most recent entries, oldest first.
// A limit <= 0 returns everything.
func (j *Journal) Entries(limit int) ([]Entry, error) {
	var out []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(key(^uint64(0))); it.ValidForPrefix(keyPrefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e Entry
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &e)
			}); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: read journal: %w", err)
	}
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

// Len returns the number of entries ever recorded.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Close flushes and closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Personal.AI order the ending
