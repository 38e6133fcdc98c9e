package local

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

const (
	keySize   = 32
	nonceSize = 24
)

type document struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float64         `json:"emb"`
}

// Index is an in-memory vector index. When a path is set every upsert
// rewrites the snapshot, sealed with the key if one is configured.
type Index struct {
	mu   sync.RWMutex
	docs []document
	pos  map[string]int

	path string
	key  *[keySize]byte
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithSnapshot persists the index to path.
func WithSnapshot(path string) IndexOption {
	return func(i *Index) {
		i.path = path
	}
}

// WithKey encrypts the snapshot.
func WithKey(key *[keySize]byte) IndexOption {
	return func(i *Index) {
		i.key = key
	}
}

// NewIndex creates an index and loads an existing snapshot. A missing
// snapshot is not an error.
func NewIndex(opts ...IndexOption) (*Index, error) {
	idx := &Index{pos: make(map[string]int)}
	for _, opt := range opts {
		opt(idx)
	}
	if idx.path == "" {
		return idx, nil
	}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Upsert stores or replaces a document and returns its token count.
func (i *Index) Upsert(id, text string, metadata map[string]string) (int, error) {
	doc := document{ID: id, Text: text, Metadata: metadata, Embedding: Embed(text)}

	i.mu.Lock()
	defer i.mu.Unlock()
	if p, ok := i.pos[id]; ok {
		i.docs[p] = doc
	} else {
		i.pos[id] = len(i.docs)
		i.docs = append(i.docs, doc)
	}
	if err := i.saveLocked(); err != nil {
		return 0, err
	}
	return len(strings.Fields(text)), nil
}

// Query returns up to k documents ranked by dot product with the query
// embedding. Ties keep insertion order.
func (i *Index) Query(q string, k int) []engine.Match {
	qe := Embed(q)

	i.mu.RLock()
	type scored struct {
		doc   document
		score float64
	}
	ranked := make([]scored, 0, len(i.docs))
	for _, d := range i.docs {
		ranked = append(ranked, scored{doc: d, score: dot(qe, d.Embedding)})
	}
	i.mu.RUnlock()

	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]engine.Match, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, engine.Match{
			DocumentID: r.doc.ID,
			Score:      r.score,
			Excerpt:    truncate(r.doc.Text, 240),
			Metadata:   r.doc.Metadata,
		})
	}
	return out
}

// Len returns the number of documents.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.docs)
}

func (i *Index) load() error {
	data, err := os.ReadFile(i.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read index snapshot: %w", err)
	}
	if i.key != nil {
		if data, err = open(data, i.key); err != nil {
			return err
		}
	}
	var docs []document
	if err := json.Unmarshal(data, &docs); err != nil {
		return fmt.Errorf("failed to decode index snapshot: %w", err)
	}
	for _, d := range docs {
		if d.ID == "" {
			continue
		}
		if len(d.Embedding) != Dimensions {
			d.Embedding = Embed(d.Text)
		}
		i.pos[d.ID] = len(i.docs)
		i.docs = append(i.docs, d)
	}
	return nil
}

func (i *Index) saveLocked() error {
	if i.path == "" {
		return nil
	}
	data, err := json.Marshal(i.docs)
	if err != nil {
		return fmt.Errorf("failed to encode index snapshot: %w", err)
	}
	if i.key != nil {
		if data, err = seal(data, i.key); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(i.path), 0o700); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp := i.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write index snapshot: %w", err)
	}
	return os.Rename(tmp, i.path)
}

// LoadOrCreateKey reads a snapshot key, creating a random one with mode
// 0600 if the file does not exist.
func LoadOrCreateKey(path string) (*[keySize]byte, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) != keySize {
			return nil, fmt.Errorf("key file %s must hold %d bytes, has %d", path, keySize, len(data))
		}
		var key [keySize]byte
		copy(key[:], data)
		return &key, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var key [keySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, key[:], 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return &key, nil
}

func seal(plain []byte, key *[keySize]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, key), nil
}

func open(sealed []byte, key *[keySize]byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, errors.New("index snapshot is too short to be sealed")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return nil, errors.New("index snapshot could not be decrypted with the configured key")
	}
	return plain, nil
}
