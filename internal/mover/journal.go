package mover

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/gftdcojp/hetfs-tiering/internal/metrics"
	"github.com/gftdcojp/hetfs-tiering/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketSystem      = []byte("system")
	bucketRelocations = []byte("relocations")
	keySchemaVersion  = []byte("schema_version")
)

const journalSchemaVersion = 1

// JournalEntry is one queued relocation request.
type JournalEntry struct {
	Seq      uint64                  `json:"seq"`
	Request  types.RelocationRequest `json:"request"`
	QueuedAt time.Time               `json:"queued_at"`
}

type journalRecord struct {
	Request  types.RelocationRequest
	QueuedAt time.Time
}

// JournalMover appends requests to a bbolt outbox. An external worker reads
// them with Pending and removes them with Ack once the data is moved.
type JournalMover struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// OpenJournal opens or creates the outbox at path.
func OpenJournal(path string, noSync bool, logger *zap.Logger) (*JournalMover, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	db.NoSync = noSync

	j := &JournalMover{db: db, logger: logger}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	j.updateGauge()
	return j, nil
}

func (j *JournalMover) initSchema() error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		if v := sys.Get(keySchemaVersion); v == nil {
			if err := sys.Put(keySchemaVersion, uint64ToBytes(journalSchemaVersion)); err != nil {
				return err
			}
		} else if got := binary.BigEndian.Uint64(v); got != journalSchemaVersion {
			return fmt.Errorf("journal schema version %d, want %d", got, journalSchemaVersion)
		}
		_, err = tx.CreateBucketIfNotExists(bucketRelocations)
		return err
	})
}

func (j *JournalMover) Relocate(_ context.Context, req types.RelocationRequest) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(journalRecord{Request: req, QueuedAt: time.Now()}); err != nil {
		metrics.RelocationRequests.WithLabelValues("journal", "error").Inc()
		return fmt.Errorf("encoding relocation request: %w", err)
	}

	var seq uint64
	err := j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRelocations)
		var err error
		if seq, err = b.NextSequence(); err != nil {
			return err
		}
		return b.Put(uint64ToBytes(seq), buf.Bytes())
	})
	if err != nil {
		metrics.RelocationRequests.WithLabelValues("journal", "error").Inc()
		return fmt.Errorf("journaling relocation request: %w", err)
	}
	metrics.RelocationRequests.WithLabelValues("journal", "ok").Inc()
	metrics.JournalPending.Inc()
	j.logger.Debug("relocation journaled", zap.Uint64("seq", seq), zap.String("file", req.File))
	return nil
}

// Pending returns up to limit queued requests, oldest first. limit <= 0
// returns all of them.
func (j *JournalMover) Pending(limit int) ([]JournalEntry, error) {
	var out []JournalEntry
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRelocations).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec journalRecord
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return fmt.Errorf("decoding journal entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, JournalEntry{
				Seq:      binary.BigEndian.Uint64(k),
				Request:  rec.Request,
				QueuedAt: rec.QueuedAt,
			})
		}
		return nil
	})
	return out, err
}

// Ack removes a handled request. Acking an unknown sequence is a no-op.
func (j *JournalMover) Ack(seq uint64) error {
	err := j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRelocations).Delete(uint64ToBytes(seq))
	})
	if err != nil {
		return fmt.Errorf("acking journal entry %d: %w", seq, err)
	}
	j.updateGauge()
	return nil
}

// Len returns the number of queued requests.
func (j *JournalMover) Len() (int, error) {
	var n int
	err := j.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketRelocations).Stats().KeyN
		return nil
	})
	return n, err
}

func (j *JournalMover) updateGauge() {
	if n, err := j.Len(); err == nil {
		metrics.JournalPending.Set(float64(n))
	}
}

func (j *JournalMover) Ping() error {
	return j.db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (j *JournalMover) Close() error {
	return j.db.Close()
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
