package builder

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// resumeBucket holds one key per input path once that file's points have
// been fully inserted, so a restart can skip it without re-parsing the
// public, human-readable manifest.json on every origin lookup.
var resumeBucket = []byte("inserted")

// ResumeDB is the local --tmp scratch database tracking which input
// files this build has already fully inserted.
type ResumeDB struct {
	db *bolt.DB
}

// OpenResumeDB opens (creating if absent) the resume database at
// tmpDir/resume.db.
func OpenResumeDB(tmpDir string) (*ResumeDB, error) {
	path := filepath.Join(tmpDir, "resume.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("builder: open resume db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resumeBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("builder: init resume db: %w", err)
	}
	return &ResumeDB{db: db}, nil
}

// Close releases the underlying bolt.DB.
func (r *ResumeDB) Close() error {
	return r.db.Close()
}

// IsInserted reports whether path has already been fully inserted by a
// prior run.
func (r *ResumeDB) IsInserted(path string) (bool, error) {
	var inserted bool
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(resumeBucket)
		inserted = b.Get([]byte(path)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("builder: resume db read %s: %w", path, err)
	}
	return inserted, nil
}

// MarkInserted records path as fully inserted.
func (r *ResumeDB) MarkInserted(path string) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resumeBucket).Put([]byte(path), []byte{1})
	})
	if err != nil {
		return fmt.Errorf("builder: resume db write %s: %w", path, err)
	}
	return nil
}
