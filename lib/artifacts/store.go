// Package artifacts implements a bounded, content-addressed file store kept
// off the agent's context window. Payloads live under the data directory as
// <id><ext> next to a <id>.meta.json sidecar; agents only ever see ids and
// repo-relative export paths, never absolute filesystem paths.
package artifacts

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/browsermcp/server/lib/kinderr"
)

var (
	idRegex       = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)
	unsafeKind    = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	unsafeName    = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	maxExportName = 200
)

const (
	// MaxSliceChars caps a single GetTextSlice read.
	MaxSliceChars = 20_000

	// compressThreshold is the text size above which payloads are stored
	// zstd-compressed on disk. Reads are transparent.
	compressThreshold = 256 * 1024

	defaultMaxArtifacts = 400
)

// Ref is the agent-visible handle to a stored artifact.
type Ref struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	MimeType    string         `json:"mimeType,omitempty"`
	Bytes       int64          `json:"bytes"`
	CreatedAt   int64          `json:"createdAt"`
	Path        string         `json:"path,omitempty"`
	Truncated   bool           `json:"truncated,omitempty"`
	TotalChars  int            `json:"totalChars,omitempty"`
	StoredChars int            `json:"storedChars,omitempty"`
}

// meta is the on-disk sidecar. It is a superset of Ref.
type meta struct {
	Ref
	Ext        string         `json:"ext,omitempty"`
	Compressed bool           `json:"compressed,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Store is a bounded artifact store rooted at dir. Individual operations rely
// on the filesystem for durability; mutating writes go through temp + rename.
type Store struct {
	dir          string
	outboxDir    string
	maxArtifacts int

	mu sync.Mutex
}

// Options tunes a Store. Zero values pick defaults.
type Options struct {
	MaxArtifacts int
}

// NewStore creates (if needed) and opens a store under dataDir/artifacts with
// exports going to dataDir/outbox.
func NewStore(dataDir string, opts Options) (*Store, error) {
	dir := filepath.Join(dataDir, "artifacts")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	outbox := filepath.Join(dataDir, "outbox")
	if err := os.MkdirAll(outbox, 0o755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	max := opts.MaxArtifacts
	if max <= 0 {
		max = defaultMaxArtifacts
	}
	return &Store{dir: dir, outboxDir: outbox, maxArtifacts: max}, nil
}

// OutboxDir returns the export directory (for status reporting).
func (s *Store) OutboxDir() string { return s.outboxDir }

// newID builds "<safe-kind>_<ms>_<pid>", capped at 128 chars and validated.
// Same-millisecond puts of the same kind bump the timestamp to stay unique.
func (s *Store) newID(kind string) string {
	safe := unsafeKind.ReplaceAllString(kind, "-")
	safe = strings.Trim(safe, "-_")
	if safe == "" {
		safe = "artifact"
	}
	ms := time.Now().UnixMilli()
	for {
		id := fmt.Sprintf("%s_%d_%d", safe, ms, os.Getpid())
		if len(id) > 128 {
			id = id[:128]
		}
		if _, err := os.Stat(s.metaPath(id)); os.IsNotExist(err) {
			return id
		}
		ms++
	}
}

func validateID(id string) error {
	if !idRegex.MatchString(id) {
		return kinderr.New(kinderr.KindValidation, "invalid artifact id",
			"artifact ids are returned by put operations; do not construct them")
	}
	return nil
}

func (s *Store) metaPath(id string) string { return filepath.Join(s.dir, id+".meta.json") }

func (s *Store) readMeta(id string) (*meta, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kinderr.New(kinderr.KindNotFound, "artifact not found",
				"list artifacts to discover valid ids").WithDetails(map[string]any{"id": id})
		}
		return nil, err
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("corrupt artifact meta %s: %w", id, err)
	}
	return &m, nil
}

func (s *Store) writeMeta(m *meta) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.metaPath(m.ID), raw, 0o600)
}

func atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// TextOptions carries the optional fields of PutText.
type TextOptions struct {
	MimeType    string
	Ext         string
	TotalChars  int
	StoredChars int
	Truncated   bool
	Metadata    map[string]any
}

// PutText stores a text payload.
func (s *Store) PutText(kind, text string, opts TextOptions) (*Ref, error) {
	ext := opts.Ext
	if ext == "" {
		ext = ".txt"
	}
	mime := opts.MimeType
	if mime == "" {
		mime = "text/plain"
	}
	m := &meta{
		Ref: Ref{
			Kind:        kind,
			MimeType:    mime,
			Truncated:   opts.Truncated,
			TotalChars:  opts.TotalChars,
			StoredChars: opts.StoredChars,
		},
		Ext:      ext,
		Metadata: opts.Metadata,
	}
	if m.StoredChars == 0 {
		m.StoredChars = len(text)
	}
	if m.TotalChars == 0 {
		m.TotalChars = m.StoredChars
	}
	data := []byte(text)
	if len(data) >= compressThreshold {
		var buf bytes.Buffer
		zw, err := zstd.NewWriter(&buf, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		if _, err := zw.Write(data); err != nil {
			zw.Close()
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		data = buf.Bytes()
		m.Compressed = true
		m.Ext = ext + ".zst"
	}
	return s.put(m, data)
}

// PutJSON stores obj as pretty-printed JSON.
func (s *Store) PutJSON(kind string, obj any, metadata map[string]any) (*Ref, error) {
	raw, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return nil, kinderr.Wrap(err, kinderr.KindValidation, "value is not JSON-serializable", "")
	}
	return s.PutText(kind, string(raw), TextOptions{
		MimeType: "application/json",
		Ext:      ".json",
		Metadata: metadata,
	})
}

// PutImageB64 decodes and stores a base64 image payload.
func (s *Store) PutImageB64(kind, dataB64, mimeType string, metadata map[string]any) (*Ref, error) {
	raw, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return nil, kinderr.Wrap(err, kinderr.KindValidation, "invalid base64 image data", "")
	}
	ext := ".bin"
	switch mimeType {
	case "image/png":
		ext = ".png"
	case "image/jpeg":
		ext = ".jpg"
	case "image/webp":
		ext = ".webp"
	case "image/gif":
		ext = ".gif"
	}
	m := &meta{
		Ref:      Ref{Kind: kind, MimeType: mimeType},
		Ext:      ext,
		Metadata: metadata,
	}
	return s.put(m, raw)
}

// PutFile copies an existing file into the store.
func (s *Store) PutFile(kind, srcPath, mimeType, ext string, metadata map[string]any) (*Ref, error) {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return nil, kinderr.Wrap(err, kinderr.KindNotFound, "source file not readable", "")
	}
	if ext == "" {
		ext = filepath.Ext(srcPath)
		if ext == "" {
			ext = ".bin"
		}
	}
	m := &meta{
		Ref:      Ref{Kind: kind, MimeType: mimeType},
		Ext:      ext,
		Metadata: metadata,
	}
	return s.put(m, raw)
}

func (s *Store) put(m *meta, data []byte) (*Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = s.newID(m.Kind)
	m.CreatedAt = time.Now().UnixMilli()
	m.Bytes = int64(len(data))
	if err := atomicWrite(filepath.Join(s.dir, m.ID+m.Ext), data, 0o600); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	if err := s.writeMeta(m); err != nil {
		return nil, fmt.Errorf("write artifact meta: %w", err)
	}
	s.pruneLocked()
	ref := m.Ref
	return &ref, nil
}

// pruneLocked drops the oldest artifacts past the cap. Best-effort.
func (s *Store) pruneLocked() {
	ids := s.listIDsByMtime()
	if len(ids) <= s.maxArtifacts {
		return
	}
	for _, id := range ids[s.maxArtifacts:] {
		s.removeFiles(id)
	}
}

// listIDsByMtime returns artifact ids sorted newest first.
func (s *Store) listIDsByMtime() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	type ent struct {
		id string
		mt time.Time
	}
	var out []ent
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		id := strings.TrimSuffix(name, ".meta.json")
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, ent{id: id, mt: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].mt.After(out[j].mt) })
	ids := make([]string, len(out))
	for i, e := range out {
		ids[i] = e.id
	}
	return ids
}

func (s *Store) removeFiles(id string) {
	m, err := s.readMeta(id)
	if err == nil {
		_ = os.Remove(filepath.Join(s.dir, id+m.Ext))
	}
	_ = os.Remove(s.metaPath(id))
}

// GetMeta returns the stored Ref plus user metadata for an id.
func (s *Store) GetMeta(id string) (*Ref, map[string]any, error) {
	m, err := s.readMeta(id)
	if err != nil {
		return nil, nil, err
	}
	ref := m.Ref
	return &ref, m.Metadata, nil
}

func (s *Store) readContent(m *meta) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, m.ID+m.Ext))
	if err != nil {
		return nil, kinderr.Wrap(err, kinderr.KindNotFound, "artifact content missing", "")
	}
	if !m.Compressed {
		return raw, nil
	}
	zr, err := zstd.NewReader(bytes.NewReader(raw), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// TextSlice is a bounded window into a text artifact.
type TextSlice struct {
	ID        string `json:"id"`
	Offset    int    `json:"offset"`
	Text      string `json:"text"`
	Returned  int    `json:"returned"`
	Total     int    `json:"total"`
	HasMore   bool   `json:"hasMore"`
}

// GetTextSlice reads up to maxChars (capped at MaxSliceChars) starting at
// offset.
func (s *Store) GetTextSlice(id string, offset, maxChars int) (*TextSlice, error) {
	m, err := s.readMeta(id)
	if err != nil {
		return nil, err
	}
	raw, err := s.readContent(m)
	if err != nil {
		return nil, err
	}
	if maxChars <= 0 || maxChars > MaxSliceChars {
		maxChars = MaxSliceChars
	}
	if offset < 0 {
		offset = 0
	}
	text := string(raw)
	total := len(text)
	if offset > total {
		offset = total
	}
	end := offset + maxChars
	if end > total {
		end = total
	}
	return &TextSlice{
		ID:       id,
		Offset:   offset,
		Text:     text[offset:end],
		Returned: end - offset,
		Total:    total,
		HasMore:  end < total,
	}, nil
}

// GetImageB64 returns the decoded artifact re-encoded as base64 with its mime.
func (s *Store) GetImageB64(id string) (*Ref, string, string, error) {
	m, err := s.readMeta(id)
	if err != nil {
		return nil, "", "", err
	}
	raw, err := s.readContent(m)
	if err != nil {
		return nil, "", "", err
	}
	ref := m.Ref
	return &ref, base64.StdEncoding.EncodeToString(raw), m.MimeType, nil
}

// Delete removes an artifact and its sidecar.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.readMeta(id)
	if err != nil {
		return err
	}
	_ = os.Remove(filepath.Join(s.dir, id+m.Ext))
	return os.Remove(s.metaPath(id))
}

// List returns up to limit refs, newest first, optionally filtered by kind.
func (s *Store) List(limit int, kind string) ([]Ref, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Ref
	for _, id := range s.listIDsByMtime() {
		m, err := s.readMeta(id)
		if err != nil {
			continue
		}
		if kind != "" && m.Kind != kind {
			continue
		}
		out = append(out, m.Ref)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ExportOptions tunes Export.
type ExportOptions struct {
	OutDir    string
	Name      string
	Overwrite bool
}

// Export copies an artifact into the outbox (or opts.OutDir) and returns the
// path relative to the data root's parent, never an absolute path.
func (s *Store) Export(id string, opts ExportOptions) (string, error) {
	m, err := s.readMeta(id)
	if err != nil {
		return "", err
	}
	raw, err := s.readContent(m)
	if err != nil {
		return "", err
	}

	outDir := opts.OutDir
	if outDir == "" {
		outDir = s.outboxDir
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}

	name := opts.Name
	if name == "" {
		name = id + strings.TrimSuffix(m.Ext, ".zst")
	}
	name = unsafeName.ReplaceAllString(name, "_")
	if len(name) > maxExportName {
		name = name[:maxExportName]
	}

	dest := filepath.Join(outDir, name)
	if !opts.Overwrite {
		if _, err := os.Stat(dest); err == nil {
			return "", kinderr.New(kinderr.KindValidation, "export destination exists",
				"pass overwrite=true or a different name").WithDetails(map[string]any{"name": name})
		}
	}
	if err := atomicWrite(dest, raw, 0o644); err != nil {
		return "", err
	}

	// Repo-relative: relative to the parent of the outbox dir when possible.
	if rel, err := filepath.Rel(filepath.Dir(filepath.Dir(outDir)), dest); err == nil && !strings.HasPrefix(rel, "..") {
		return rel, nil
	}
	return filepath.Join(filepath.Base(outDir), name), nil
}
