// Package history keeps a local record of region runs in a bbolt file and
// stops two runs from working the same region at once.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/fleetreaper/internal/reaper"
)

// ErrRegionLocked is returned when another run holds the region.
var ErrRegionLocked = errors.New("region locked")

var (
	bucketRuns  = []byte("runs")
	bucketLocks = []byte("locks")
)

// keyTimeLayout is fixed width so keys sort by start time.
const keyTimeLayout = "2006-01-02T15:04:05.000000000Z"

// RunRecord is the persisted form of a region run.
type RunRecord struct {
	RunID          string    `json:"run_id"`
	Region         string    `json:"region"`
	State          string    `json:"state"`
	FailedIn       string    `json:"failed_in,omitempty"`
	Selected       []string  `json:"selected,omitempty"`
	Terminated     []string  `json:"terminated,omitempty"`
	VolumesDeleted int       `json:"volumes_deleted"`
	DryRun         bool      `json:"dry_run,omitempty"`
	Declined       bool      `json:"declined,omitempty"`
	AuditStream    string    `json:"audit_stream,omitempty"`
	Started        time.Time `json:"started"`
	Finished       time.Time `json:"finished"`
	Error          string    `json:"error,omitempty"`
}

// Duration returns how long the run took.
func (r RunRecord) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// FromResult converts a region result for storage.
func FromResult(res reaper.RegionResult) RunRecord {
	rec := RunRecord{
		RunID:          res.RunID,
		Region:         res.Region,
		State:          string(res.State),
		FailedIn:       string(res.FailedIn),
		Selected:       res.Batch.InstanceIDs,
		Terminated:     res.Terminated,
		VolumesDeleted: res.VolumesDeleted,
		DryRun:         res.DryRun,
		Declined:       res.Declined,
		AuditStream:    res.AuditStream,
		Started:        res.Started.UTC(),
		Finished:       res.Finished.UTC(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}

func runKey(rec RunRecord) []byte {
	return []byte(rec.Region + "/" + rec.Started.UTC().Format(keyTimeLayout) + "/" + rec.RunID)
}

// Store is the bbolt-backed run history. It implements reaper.Journal.
type Store struct {
	mu sync.RWMutex

	// latest run per region, ordered by region
	latest *btree.BTreeG[*RunRecord]

	db *bbolt.DB
}

var _ reaper.Journal = (*Store)(nil)

// Open opens or creates the history file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketLocks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		latest: btree.NewG[*RunRecord](16, func(a, b *RunRecord) bool {
			return a.Region < b.Region
		}),
		db: db,
	}
	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to index history: %w", err)
	}
	return s, nil
}

// Close closes the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Acquire takes the lock for region on behalf of runID.
func (s *Store) Acquire(region, runID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		locks := tx.Bucket(bucketLocks)
		if holder := locks.Get([]byte(region)); holder != nil && string(holder) != runID {
			return fmt.Errorf("%w: %s is held by run %s", ErrRegionLocked, region, holder)
		}
		return locks.Put([]byte(region), []byte(runID))
	})
}

// Release drops the lock on region if runID holds it.
func (s *Store) Release(region, runID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		locks := tx.Bucket(bucketLocks)
		if holder := locks.Get([]byte(region)); holder != nil && string(holder) == runID {
			return locks.Delete([]byte(region))
		}
		return nil
	})
}

// Unlock drops the lock on region regardless of holder. It is the way out
// after a process died mid-run.
func (s *Store) Unlock(region string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLocks).Delete([]byte(region))
	})
}

// Locks returns region → holding run id.
func (s *Store) Locks() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLocks).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}

// Begin implements reaper.Journal.
func (s *Store) Begin(_ context.Context, region, runID string) error {
	return s.Acquire(region, runID)
}

// Commit implements reaper.Journal. The lock is released even when the
// record cannot be saved.
func (s *Store) Commit(ctx context.Context, res reaper.RegionResult) error {
	err := s.Save(FromResult(res))
	if rerr := s.Release(res.Region, res.RunID); rerr != nil {
		err = errors.Join(err, rerr)
	}
	if err == nil {
		log.Ctx(ctx).Debug().Str("run_id", res.RunID).Msg("run recorded")
	}
	return err
}

// Save stores a run record.
func (s *Store) Save(rec RunRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put(runKey(rec), value)
	})
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", rec.RunID, err)
	}
	s.index(&rec)
	return nil
}

// Latest returns the most recent run of every region, ordered by region.
func (s *Store) Latest() []RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RunRecord, 0, s.latest.Len())
	s.latest.Ascend(func(rec *RunRecord) bool {
		out = append(out, *rec)
		return true
	})
	return out
}

// List returns up to limit runs of region, newest first. A limit of zero
// or less returns them all.
func (s *Store) List(region string, limit int) ([]RunRecord, error) {
	var out []RunRecord
	prefix := []byte(region + "/")

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()

		// Seek past the prefix, then walk backwards.
		k, v := c.Seek(append(append([]byte(nil), prefix...), 0xff))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt run %s: %w", k, err)
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) index(rec *RunRecord) {
	if existing, found := s.latest.Get(rec); found && existing.Started.After(rec.Started) {
		return
	}
	s.latest.ReplaceOrInsert(rec)
}

func (s *Store) rebuildIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt run %s: %w", k, err)
			}
			s.index(&rec)
			return nil
		})
	})
}
