package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ghostlend/protocol/internal/domain"
)

var (
	bucketLenders     = []byte("lenders")
	bucketBorrowers   = []byte("borrowers")
	bucketLoans       = []byte("loans")
	bucketAllocations = []byte("allocations")
	bucketEvents      = []byte("events")
)

// BoltJournal persists ledger batches in a single BoltDB file. Each Commit is
// one bolt read-write transaction, so a batch is either fully on disk or absent.
type BoltJournal struct {
	db *bolt.DB
}

// OpenBoltJournal opens (and creates) the journal at path.
func OpenBoltJournal(path string, options *bolt.Options) (*BoltJournal, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("ledger.OpenBoltJournal: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketLenders, bucketBorrowers, bucketLoans, bucketAllocations, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger.OpenBoltJournal: %w", err)
	}
	return &BoltJournal{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (j *BoltJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Commit writes every entity version and event in b.
func (j *BoltJournal) Commit(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		for _, a := range b.Lenders {
			if err := putJSON(tx.Bucket(bucketLenders), []byte(a.Address), a); err != nil {
				return err
			}
		}
		for _, a := range b.Borrowers {
			if err := putJSON(tx.Bucket(bucketBorrowers), []byte(a.Address), a); err != nil {
				return err
			}
		}
		for _, l := range b.Loans {
			if err := putJSON(tx.Bucket(bucketLoans), itob(uint64(l.ID)), l); err != nil {
				return err
			}
		}
		for _, a := range b.Allocations {
			if err := putJSON(tx.Bucket(bucketAllocations), itob(uint64(a.ID)), a); err != nil {
				return err
			}
		}
		for _, e := range b.Events {
			if err := putJSON(tx.Bucket(bucketEvents), itob(e.Seq), e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load reads the full journal. Events come back in sequence order because
// bolt iterates big-endian keys in byte order.
func (j *BoltJournal) Load(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := &Batch{}
	err := j.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketLenders).ForEach(func(_, v []byte) error {
			var a domain.LenderAccount
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out.Lenders = append(out.Lenders, a)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBorrowers).ForEach(func(_, v []byte) error {
			var a domain.BorrowerAccount
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out.Borrowers = append(out.Borrowers, a)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketLoans).ForEach(func(_, v []byte) error {
			var l domain.Loan
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			out.Loans = append(out.Loans, l)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketAllocations).ForEach(func(_, v []byte) error {
			var a domain.TrancheAllocation
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out.Allocations = append(out.Allocations, a)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
			var e domain.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out.Events = append(out.Events, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ledger.BoltJournal.Load: %w", err)
	}
	return out, nil
}

func putJSON(bucket *bolt.Bucket, key []byte, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bucket.Put(key, encoded)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
