package offload

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/annexdb/annex/internal/errors"
	"github.com/annexdb/annex/internal/sandbox"
)

// lockFile guards the offload directory against concurrent manager
// instances. Held for the lifetime of the Store.
const lockFile = ".annex.lock"

// StoredOptions are the creation options that survive offload. Inline
// providers are not serializable and are deliberately absent.
type StoredOptions struct {
	ID                       string `json:"id"`
	Namespace                string `json:"namespace,omitempty"`
	EmbeddingProviderName    string `json:"embeddingProviderName,omitempty"`
	InactivityTimeoutMS      *int64 `json:"inactivityTimeout,omitempty"`
	EnableActivityMonitoring *bool  `json:"enableActivityMonitoring,omitempty"`
}

// Metadata is the on-disk descriptor for one offloaded index.
type Metadata struct {
	ID                 string        `json:"id"`
	Created            time.Time     `json:"created"`
	OffloadedAt        time.Time     `json:"offloadedAt"`
	Options            StoredOptions `json:"options"`
	DocumentCount      int           `json:"documentCount"`
	EmbeddingDimension int           `json:"embeddingDimension"`
	DocumentsFile      string        `json:"documentsFile"`
	VectorsFile        string        `json:"vectorsFile,omitempty"`
	Format             string        `json:"format,omitempty"`
}

// sidecarDocument is one entry of the documents sidecar. Vectors live in
// the binary file only.
type sidecarDocument struct {
	ID        string         `json:"id"`
	Text      string         `json:"text,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	HasVector bool           `json:"hasVector"`
}

// legacyDocument is the pre-binary_v1 form where vectors were embedded in
// the documents JSON. Read-only.
type legacyDocument struct {
	ID       string         `json:"id"`
	Text     string         `json:"text,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Vector   []float32      `json:"vector,omitempty"`
}

// Store manages descriptor triples in a flat offload directory. The
// directory is exclusive to one Store; a file lock enforces that.
type Store struct {
	dir    string
	lock   *flock.Flock
	logger *slog.Logger
}

// NewStore opens (creating if needed) the offload directory and acquires
// its exclusive lock.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOFailed, err)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOFailed, err)
	}
	if !locked {
		return nil, errors.Newf(errors.ErrCodeIOFailed,
			"offload directory %s is locked by another process", dir)
	}

	return &Store{dir: dir, lock: lock, logger: logger}, nil
}

// Close releases the directory lock.
func (s *Store) Close() error {
	if err := s.lock.Unlock(); err != nil {
		return errors.Wrap(errors.ErrCodeIOFailed, err)
	}
	return nil
}

// Dir returns the offload directory path.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) metadataPath(id string) string {
	return filepath.Join(s.dir, id+".metadata.json")
}

func (s *Store) documentsPath(id string) string {
	return filepath.Join(s.dir, id+".documents.json")
}

func (s *Store) vectorsPath(id string) string {
	return filepath.Join(s.dir, id+".vectors.bin")
}

// Has reports whether an on-disk descriptor exists for id.
func (s *Store) Has(id string) bool {
	_, err := os.Stat(s.metadataPath(id))
	return err == nil
}

// Save writes the descriptor triple: documents sidecar first, vectors,
// metadata last. A partial failure removes whatever was already written so
// the directory never holds a torn descriptor.
func (s *Store) Save(meta Metadata, docs []sandbox.Document) (err error) {
	meta.DocumentsFile = meta.ID + ".documents.json"
	meta.VectorsFile = meta.ID + ".vectors.bin"
	meta.Format = FormatBinaryV1

	written := make([]string, 0, 3)
	defer func() {
		if err != nil {
			for _, path := range written {
				if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
					s.logger.Warn("failed to clean up partial offload file",
						"path", path, "error", rmErr)
				}
			}
		}
	}()

	sidecar := make([]sidecarDocument, len(docs))
	for i, doc := range docs {
		sidecar[i] = sidecarDocument{
			ID:        doc.ID,
			Text:      doc.Text,
			Metadata:  doc.Metadata,
			HasVector: len(doc.Vector) == meta.EmbeddingDimension && meta.EmbeddingDimension > 0,
		}
	}
	sidecarJSON, err := json.Marshal(sidecar)
	if err != nil {
		return errors.Wrap(errors.ErrCodeIOFailed, err)
	}
	docsPath := s.documentsPath(meta.ID)
	if err = os.WriteFile(docsPath, sidecarJSON, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeIOFailed, err)
	}
	written = append(written, docsPath)

	var buf bytes.Buffer
	if _, err = WriteVectors(&buf, docs, meta.EmbeddingDimension); err != nil {
		return err
	}
	vecPath := s.vectorsPath(meta.ID)
	if err = os.WriteFile(vecPath, buf.Bytes(), 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeIOFailed, err)
	}
	written = append(written, vecPath)

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeIOFailed, err)
	}
	metaPath := s.metadataPath(meta.ID)
	if err = os.WriteFile(metaPath, metaJSON, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeIOFailed, err)
	}
	written = append(written, metaPath)

	return nil
}

// LoadMetadata reads and parses the descriptor for id.
func (s *Store) LoadMetadata(id string) (Metadata, error) {
	data, err := os.ReadFile(s.metadataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, errors.Newf(errors.ErrCodeNotFound,
				"no offloaded index %q", id)
		}
		return Metadata{}, errors.Wrap(errors.ErrCodeIOFailed, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, errors.Wrap(errors.ErrCodeIOFailed, err).
			WithDetail("file", s.metadataPath(id))
	}
	return meta, nil
}

// Load reads the full descriptor triple and reconstructs the documents with
// their vectors reattached. Descriptors in the legacy all-JSON form are
// accepted transparently.
func (s *Store) Load(id string) (Metadata, []sandbox.Document, error) {
	meta, err := s.LoadMetadata(id)
	if err != nil {
		return Metadata{}, nil, err
	}

	docsData, err := os.ReadFile(filepath.Join(s.dir, meta.DocumentsFile))
	if err != nil {
		return Metadata{}, nil, errors.Wrap(errors.ErrCodeIOFailed, err)
	}

	if meta.Format != FormatBinaryV1 || meta.VectorsFile == "" {
		docs, err := s.loadLegacy(docsData)
		if err != nil {
			return Metadata{}, nil, err
		}
		return meta, docs, nil
	}

	var sidecar []sidecarDocument
	if err := json.Unmarshal(docsData, &sidecar); err != nil {
		return Metadata{}, nil, errors.Wrap(errors.ErrCodeIOFailed, err)
	}

	vecData, err := os.ReadFile(filepath.Join(s.dir, meta.VectorsFile))
	if err != nil {
		return Metadata{}, nil, errors.Wrap(errors.ErrCodeIOFailed, err)
	}
	vectors, err := ReadVectors(bytes.NewReader(vecData))
	if err != nil {
		return Metadata{}, nil, err
	}

	docs := make([]sandbox.Document, len(sidecar))
	for i, sd := range sidecar {
		docs[i] = sandbox.Document{
			ID:       sd.ID,
			Text:     sd.Text,
			Metadata: sd.Metadata,
			Vector:   vectors[sd.ID],
		}
	}
	return meta, docs, nil
}

func (s *Store) loadLegacy(docsData []byte) ([]sandbox.Document, error) {
	var legacy []legacyDocument
	if err := json.Unmarshal(docsData, &legacy); err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOFailed, err)
	}
	docs := make([]sandbox.Document, len(legacy))
	for i, ld := range legacy {
		docs[i] = sandbox.Document{
			ID:       ld.ID,
			Text:     ld.Text,
			Metadata: ld.Metadata,
			Vector:   ld.Vector,
		}
	}
	return docs, nil
}

// Delete removes the descriptor triple for id. Missing files are not fatal.
func (s *Store) Delete(id string) error {
	var firstErr error
	for _, path := range []string{s.metadataPath(id), s.documentsPath(id), s.vectorsPath(id)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = errors.Wrap(errors.ErrCodeIOFailed, err)
			}
		}
	}
	return firstErr
}

// List scans the directory for descriptors, optionally filtered by
// namespace, sorted by offload time, most recent first. Malformed metadata
// files are logged and skipped.
func (s *Store) List(namespace string) ([]Metadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOFailed, err)
	}

	metas := make([]Metadata, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".metadata.json") {
			continue
		}
		id := strings.TrimSuffix(name, ".metadata.json")
		meta, err := s.LoadMetadata(id)
		if err != nil {
			s.logger.Warn("skipping malformed offload descriptor",
				"file", name, "error", err)
			continue
		}
		if namespace != "" && !strings.HasPrefix(meta.ID, namespace+":") {
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].OffloadedAt.After(metas[j].OffloadedAt)
	})
	return metas, nil
}
