package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var ErrNotStaged = errors.New("file not staged")

// StagedFile is a local copy of an outgoing file kept until its message is
// confirmed, so a failed upload can be retried without the original source.
type StagedFile struct {
	TempID    string    `json:"tempId"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Mime      string    `json:"mime,omitempty"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// PreviewURL points at the staged copy for display before upload finishes.
func (f StagedFile) PreviewURL() string {
	return "file://" + filepath.ToSlash(f.Path)
}

// StagingStore writes staged bytes under dir and their metadata to bbolt.
type StagingStore struct {
	db  *bbolt.DB
	dir string
}

func (d *DB) Staging(dir string) (*StagingStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &StagingStore{db: d.bolt, dir: dir}, nil
}

// Stage copies src to disk keyed by tempID. Restaging a temp id replaces the
// previous copy.
func (s *StagingStore) Stage(tempID, name, mime string, src io.Reader) (StagedFile, error) {
	if s == nil {
		return StagedFile{}, fmt.Errorf("staging store not initialized")
	}
	if tempID == "" {
		return StagedFile{}, fmt.Errorf("missing temp id")
	}
	cleaned := sanitizeFileName(name)
	if cleaned == "" {
		cleaned = "upload.bin"
	}
	path := filepath.Join(s.dir, sanitizeFileName(tempID)+"-"+cleaned)
	dst, err := os.Create(path)
	if err != nil {
		return StagedFile{}, err
	}
	size, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return StagedFile{}, err
	}
	staged := StagedFile{
		TempID:    tempID,
		Name:      cleaned,
		Size:      size,
		Mime:      mime,
		Path:      path,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(staged)
	if err != nil {
		return StagedFile{}, err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(stagedBucket)).Put([]byte(tempID), data)
	})
	if err != nil {
		_ = os.Remove(path)
		return StagedFile{}, err
	}
	return staged, nil
}

func (s *StagingStore) Get(tempID string) (StagedFile, error) {
	if s == nil {
		return StagedFile{}, ErrNotStaged
	}
	var staged StagedFile
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(stagedBucket)).Get([]byte(tempID))
		if data == nil {
			return ErrNotStaged
		}
		return json.Unmarshal(data, &staged)
	})
	return staged, err
}

// Open returns the staged metadata and a reader over its bytes.
func (s *StagingStore) Open(tempID string) (StagedFile, *os.File, error) {
	staged, err := s.Get(tempID)
	if err != nil {
		return StagedFile{}, nil, err
	}
	f, err := os.Open(staged.Path)
	if err != nil {
		return StagedFile{}, nil, err
	}
	return staged, f, nil
}

// Remove deletes the staged copy. Removing an unknown temp id is not an
// error.
func (s *StagingStore) Remove(tempID string) error {
	if s == nil {
		return nil
	}
	staged, err := s.Get(tempID)
	if errors.Is(err, ErrNotStaged) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.Remove(staged.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(stagedBucket)).Delete([]byte(tempID))
	})
}

// List returns staged files, newest first.
func (s *StagingStore) List() ([]StagedFile, error) {
	if s == nil {
		return nil, nil
	}
	var out []StagedFile
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(stagedBucket)).ForEach(func(_, v []byte) error {
			var staged StagedFile
			if err := json.Unmarshal(v, &staged); err == nil {
				out = append(out, staged)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

func sanitizeFileName(name string) string {
	cleaned := strings.TrimSpace(filepath.Base(name))
	if cleaned == "" || cleaned == "." || cleaned == string(filepath.Separator) {
		return ""
	}
	return cleaned
}
