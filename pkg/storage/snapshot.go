package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/midrender/midrender/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// SnapshotTo writes a point-in-time copy of the live database to path
// without blocking writers. The copy is produced by bbolt's backup
// primitive inside a read transaction, staged next to the destination,
// and renamed into place so readers never see a truncated file.
func (s *BoltStore) SnapshotTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*.db")
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()

	err = s.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(tmp)
		return err
	})
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return nil
}

// Integrity walks both buckets and decodes every row. A snapshot that
// was truncated or corrupted mid-copy fails here instead of surfacing
// later as a dispatch error.
func (s *BoltStore) Integrity() error {
	return s.db.View(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		chunks := tx.Bucket(bucketChunks)
		if jobs == nil || chunks == nil {
			return fmt.Errorf("missing bucket")
		}

		err := jobs.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("corrupt job row %s: %w", k, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		return chunks.ForEachBucket(func(jobKey []byte) error {
			jb := chunks.Bucket(jobKey)
			return jb.ForEach(func(k, v []byte) error {
				var chunk types.Chunk
				if err := json.Unmarshal(v, &chunk); err != nil {
					return fmt.Errorf("corrupt chunk row in %s: %w", jobKey, err)
				}
				return nil
			})
		})
	})
}

// RestoreFrom copies a snapshot from src (typically on the shared
// filesystem) to localDst, opens it, and validates it before handing
// it back. The source file is never opened as a database and never
// mutated.
func RestoreFrom(src, localDst string) (*BoltStore, error) {
	if err := copyFile(src, localDst); err != nil {
		return nil, fmt.Errorf("failed to copy snapshot: %w", err)
	}

	store, err := NewBoltStore(localDst)
	if err != nil {
		return nil, fmt.Errorf("failed to open restored snapshot: %w", err)
	}

	if err := store.Integrity(); err != nil {
		store.Close()
		return nil, fmt.Errorf("restored snapshot failed validation: %w", err)
	}
	return store, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
