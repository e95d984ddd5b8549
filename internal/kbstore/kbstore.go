// Package kbstore persists creator knowledge bases on local disk. Each
// creator has one bbolt file holding the chunk metadata and the index rows.
// Saves write a complete new file next to the old one and rename it into
// place, so a reader sees either the previous knowledge base or the new one
// and never a mixture.
package kbstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/54b3r/coachkb/internal/rag"
)

// formatVersion is written to every file and checked on load.
const formatVersion = 1

var (
	// ErrNotFound is returned by Load when the creator has no saved
	// knowledge base.
	ErrNotFound = errors.New("kbstore: knowledge base not found")
	// ErrCorrupt is returned by Load when a file exists but cannot be read
	// back into a consistent knowledge base.
	ErrCorrupt = errors.New("kbstore: knowledge base is corrupt")
	// ErrInvalidCreatorID is returned for IDs that cannot name a file.
	ErrInvalidCreatorID = errors.New("kbstore: invalid creator id")
)

var (
	bucketMeta    = []byte("meta")
	bucketChunks  = []byte("chunks")
	bucketVectors = []byte("vectors")

	keyFormat     = []byte("format")
	keyCreatorID  = []byte("creator_id")
	keyBuiltAt    = []byte("built_at")
	keyChunkCount = []byte("chunk_count")
)

// creatorIDPattern restricts IDs to characters that are safe in file names.
var creatorIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidCreatorID reports whether id can be used as a creator key.
func ValidCreatorID(id string) bool {
	return creatorIDPattern.MatchString(id) && !strings.Contains(id, "..")
}

// Store reads and writes knowledge base files under a root directory. It is
// safe for concurrent use; callers serialise writers of the same creator.
type Store struct {
	// root is the directory holding creator_<id>.db files.
	root string
	// lockTimeout bounds how long Open waits for the bbolt file lock.
	lockTimeout time.Duration
}

// New returns a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("kbstore: root directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("kbstore: create %s: %w", dir, err)
	}
	return &Store{root: dir, lockTimeout: 5 * time.Second}, nil
}

// Root returns the directory the store writes to.
func (s *Store) Root() string { return s.root }

// Path returns the file a creator's knowledge base is stored in.
func (s *Store) Path(creatorID string) string {
	return filepath.Join(s.root, "creator_"+creatorID+".db")
}

// Save atomically replaces the stored knowledge base of kb.CreatorID.
func (s *Store) Save(ctx context.Context, kb *rag.KnowledgeBase) error {
	if err := kb.Validate(); err != nil {
		return fmt.Errorf("kbstore: %w", err)
	}
	if !ValidCreatorID(kb.CreatorID) {
		return fmt.Errorf("%w: %q", ErrInvalidCreatorID, kb.CreatorID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	final := s.Path(kb.CreatorID)
	tmp := final + ".tmp-" + uuid.NewString()
	if err := writeFile(tmp, kb, s.lockTimeout); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("kbstore: save creator %s: %w", kb.CreatorID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("kbstore: save creator %s: rename: %w", kb.CreatorID, err)
	}
	syncDir(s.root)
	return nil
}

// writeFile writes kb into a fresh bbolt file at path in one transaction.
func writeFile(path string, kb *rag.KnowledgeBase, timeout time.Duration) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		chunks, err := tx.CreateBucket(bucketChunks)
		if err != nil {
			return err
		}
		vectors, err := tx.CreateBucket(bucketVectors)
		if err != nil {
			return err
		}

		puts := []struct{ k, v []byte }{
			{keyFormat, []byte(strconv.Itoa(formatVersion))},
			{keyCreatorID, []byte(kb.CreatorID)},
			{keyBuiltAt, []byte(kb.BuiltAt.UTC().Format(time.RFC3339Nano))},
			{keyChunkCount, []byte(strconv.Itoa(len(kb.Chunks)))},
		}
		for _, p := range puts {
			if err := meta.Put(p.k, p.v); err != nil {
				return err
			}
		}

		for i := range kb.Chunks {
			key := positionKey(i)
			data, err := json.Marshal(kb.Chunks[i])
			if err != nil {
				return fmt.Errorf("encode chunk %d: %w", i, err)
			}
			if err := chunks.Put(key, data); err != nil {
				return err
			}
			data, err = json.Marshal(kb.Index.Row(i))
			if err != nil {
				return fmt.Errorf("encode vector %d: %w", i, err)
			}
			if err := vectors.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
	if cerr := db.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close: %w", cerr)
	}
	return err
}

// Load reads the stored knowledge base of creatorID. It returns ErrNotFound
// when nothing was saved and ErrCorrupt when the file is unreadable or
// internally inconsistent.
func (s *Store) Load(ctx context.Context, creatorID string) (*rag.KnowledgeBase, error) {
	if !ValidCreatorID(creatorID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCreatorID, creatorID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.Path(creatorID)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: creator %s", ErrNotFound, creatorID)
		}
		return nil, fmt.Errorf("kbstore: stat %s: %w", path, err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: s.lockTimeout, ReadOnly: true})
	if err != nil {
		if errors.Is(err, fs.ErrPermission) || errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("kbstore: open %s: %w", path, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	defer db.Close()

	var kb *rag.KnowledgeBase
	err = db.View(func(tx *bbolt.Tx) error {
		var err error
		kb, err = readKnowledgeBase(tx, creatorID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return kb, nil
}

// readKnowledgeBase decodes and cross-checks one file.
func readKnowledgeBase(tx *bbolt.Tx, creatorID string) (*rag.KnowledgeBase, error) {
	meta := tx.Bucket(bucketMeta)
	chunks := tx.Bucket(bucketChunks)
	vectors := tx.Bucket(bucketVectors)
	if meta == nil || chunks == nil || vectors == nil {
		return nil, fmt.Errorf("missing bucket")
	}

	if v := string(meta.Get(keyFormat)); v != strconv.Itoa(formatVersion) {
		return nil, fmt.Errorf("unsupported format version %q", v)
	}
	if id := string(meta.Get(keyCreatorID)); id != creatorID {
		return nil, fmt.Errorf("file belongs to creator %q", id)
	}
	builtAt, err := time.Parse(time.RFC3339Nano, string(meta.Get(keyBuiltAt)))
	if err != nil {
		return nil, fmt.Errorf("built_at: %w", err)
	}
	count, err := strconv.Atoi(string(meta.Get(keyChunkCount)))
	if err != nil || count < 0 {
		return nil, fmt.Errorf("chunk_count %q", meta.Get(keyChunkCount))
	}

	kb := &rag.KnowledgeBase{
		CreatorID: creatorID,
		BuiltAt:   builtAt,
		Chunks:    make([]rag.Chunk, 0, count),
		Index:     rag.NewFlatIndex(),
	}
	for i := range count {
		key := positionKey(i)
		rawChunk, rawVec := chunks.Get(key), vectors.Get(key)
		if rawChunk == nil || rawVec == nil {
			return nil, fmt.Errorf("position %d missing", i)
		}
		var c rag.Chunk
		if err := json.Unmarshal(rawChunk, &c); err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		var v rag.Vector
		if err := json.Unmarshal(rawVec, &v); err != nil {
			return nil, fmt.Errorf("vector %d: %w", i, err)
		}
		if _, err := kb.Index.Add(v); err != nil {
			return nil, fmt.Errorf("vector %d: %w", i, err)
		}
		kb.Chunks = append(kb.Chunks, c)
	}
	if n := chunks.Stats().KeyN; n != count {
		return nil, fmt.Errorf("chunk_count %d but %d chunks stored", count, n)
	}
	if n := vectors.Stats().KeyN; n != count {
		return nil, fmt.Errorf("chunk_count %d but %d vectors stored", count, n)
	}
	return kb, nil
}

// Delete removes a creator's knowledge base. Deleting a missing one is not
// an error.
func (s *Store) Delete(creatorID string) error {
	if !ValidCreatorID(creatorID) {
		return fmt.Errorf("%w: %q", ErrInvalidCreatorID, creatorID)
	}
	if err := os.Remove(s.Path(creatorID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("kbstore: delete creator %s: %w", creatorID, err)
	}
	return nil
}

// List returns the IDs of all creators with a saved knowledge base, sorted.
func (s *Store) List() ([]string, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(s.root, "creator_*.db"))
	if err != nil {
		return nil, fmt.Errorf("kbstore: list %s: %w", s.root, err)
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "creator_"), ".db")
		if ValidCreatorID(id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Ping checks that the root directory is still writable.
func (s *Store) Ping(_ context.Context) error {
	f, err := os.CreateTemp(s.root, ".ping-*")
	if err != nil {
		return fmt.Errorf("kbstore: root %s not writable: %w", s.root, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// Name identifies the dependency in readiness reports.
func (s *Store) Name() string { return "kbstore" }

// positionKey encodes a row position so bbolt's byte ordering matches
// numeric ordering.
func positionKey(i int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(i))
	return b
}

// syncDir flushes the directory entry of a rename. Errors are ignored; not
// every platform supports syncing directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
