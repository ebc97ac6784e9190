package resource

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Chunk strategies
const (
	StrategyFixed     = "fixed"     // arithmetic byte windows
	StrategyParagraph = "paragraph" // windows snapped to blank-line boundaries
)

// segmentSize is the row size large blobs are split into
const segmentSize = 64 * 1024

// DefaultInlineThreshold is the blob size above which content is segmented
const DefaultInlineThreshold = 256 * 1024

// ChunkSpec parameterizes a chunking pass
type ChunkSpec struct {
	Strategy     string
	Size         int
	Overlap      int
	MaxChunks    int
	PreviewBytes int
}

// ChunkInfo describes one addressable chunk of a context blob
type ChunkInfo struct {
	ID      string `json:"id"`
	Index   int    `json:"index"`
	Offset  int64  `json:"offset"`
	Length  int64  `json:"length"`
	Preview string `json:"preview"`
}

// projection is one saved chunking of a context
type projection struct {
	id     string
	chunks map[string]ChunkInfo
	order  []ChunkInfo
}

// contextEntry is the in-memory descriptor of one stored blob
type contextEntry struct {
	size        int64
	inline      string // set only below the inline threshold
	segmented   bool
	projections map[string]*projection
	mu          sync.Mutex
}

// ContextStoreConfig configures the context store
type ContextStoreConfig struct {
	// DBPath is the sqlite file backing segmented blobs
	DBPath string
	// InlineThreshold is the byte size above which blobs are segmented
	InlineThreshold int
	Logger          zerolog.Logger
}

// ContextStore stores large input blobs once and serves sized reads and
// chunk projections without re-materializing the whole blob. Small blobs are
// held inline; large ones are split into fixed-size rows in sqlite.
type ContextStore struct {
	db        *sql.DB
	threshold int
	entries   map[string]*contextEntry
	logger    zerolog.Logger
	mu        sync.RWMutex
}

// NewContextStore opens the store and prepares the backing schema
func NewContextStore(cfg ContextStoreConfig) (*ContextStore, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("context store db path is required")
	}
	if cfg.InlineThreshold <= 0 {
		cfg.InlineThreshold = DefaultInlineThreshold
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open context db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS segments (
			context_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			content BLOB NOT NULL,
			PRIMARY KEY (context_id, idx)
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return &ContextStore{
		db:        db,
		threshold: cfg.InlineThreshold,
		entries:   make(map[string]*contextEntry),
		logger:    cfg.Logger,
	}, nil
}

// Close closes the backing database
func (s *ContextStore) Close() error {
	return s.db.Close()
}

// Load stores a blob and returns an owned reference to it
func (s *ContextStore) Load(blob string) (Ref, error) {
	id, err := newID()
	if err != nil {
		return Ref{}, err
	}

	entry := &contextEntry{
		size:        int64(len(blob)),
		projections: make(map[string]*projection),
	}

	if len(blob) < s.threshold {
		entry.inline = blob
	} else {
		entry.segmented = true
		if err := s.writeSegments(id, blob); err != nil {
			return Ref{}, err
		}
	}

	s.mu.Lock()
	s.entries[id] = entry
	s.mu.Unlock()

	s.logger.Debug().
		Str("context", id).
		Int64("size", entry.size).
		Bool("segmented", entry.segmented).
		Msg("Context loaded")

	return Ref{ID: id, Kind: KindContext, Owned: true}, nil
}

// Size returns the stored blob's byte size
func (s *ContextStore) Size(ref Ref) (int64, error) {
	entry, err := s.get(ref)
	if err != nil {
		return 0, err
	}
	return entry.size, nil
}

// Chunk computes a chunk projection over the blob and saves it so chunks can
// be read back by id later. Returns the chunk descriptors and projection id.
func (s *ContextStore) Chunk(ref Ref, spec ChunkSpec) ([]ChunkInfo, string, error) {
	entry, err := s.get(ref)
	if err != nil {
		return nil, "", err
	}

	if spec.Size <= 0 {
		return nil, "", fmt.Errorf("chunk size must be positive, got: %d", spec.Size)
	}
	if spec.Overlap < 0 || spec.Overlap >= spec.Size {
		return nil, "", fmt.Errorf("chunk overlap must be in [0, size), got: %d", spec.Overlap)
	}
	if spec.Strategy == "" {
		spec.Strategy = StrategyFixed
	}
	if spec.Strategy != StrategyFixed && spec.Strategy != StrategyParagraph {
		return nil, "", fmt.Errorf("unknown chunk strategy: %s", spec.Strategy)
	}
	if spec.PreviewBytes <= 0 {
		spec.PreviewBytes = 120
	}

	projID, err := newID()
	if err != nil {
		return nil, "", err
	}

	var chunks []ChunkInfo
	step := int64(spec.Size - spec.Overlap)
	offset := int64(0)

	for offset < entry.size {
		if spec.MaxChunks > 0 && len(chunks) >= spec.MaxChunks {
			break
		}

		length := int64(spec.Size)
		if offset+length > entry.size {
			length = entry.size - offset
		}

		if spec.Strategy == StrategyParagraph && offset+length < entry.size {
			// Snap the window end to the nearest preceding blank line
			window, err := s.readRange(ref.ID, entry, offset, length)
			if err != nil {
				return nil, "", err
			}
			if cut := strings.LastIndex(window, "\n\n"); cut > spec.Size/2 {
				length = int64(cut + 2)
			}
		}

		previewLen := int64(spec.PreviewBytes)
		if previewLen > length {
			previewLen = length
		}
		preview, err := s.readRange(ref.ID, entry, offset, previewLen)
		if err != nil {
			return nil, "", err
		}

		chunkID, err := newID()
		if err != nil {
			return nil, "", err
		}

		chunks = append(chunks, ChunkInfo{
			ID:      chunkID,
			Index:   len(chunks),
			Offset:  offset,
			Length:  length,
			Preview: preview,
		})

		if spec.Strategy == StrategyParagraph {
			// The boundary snap can shrink the window to the overlap or
			// below; the overlap only rolls back when the window still
			// clears it, so the offset always moves forward.
			advance := length
			if overlap := int64(spec.Overlap); overlap > 0 && advance > overlap && offset+length < entry.size {
				advance -= overlap
			}
			offset += advance
		} else {
			offset += step
		}
	}

	proj := &projection{id: projID, chunks: make(map[string]ChunkInfo, len(chunks))}
	for _, c := range chunks {
		proj.chunks[c.ID] = c
	}
	proj.order = chunks

	entry.mu.Lock()
	entry.projections[projID] = proj
	entry.mu.Unlock()

	s.logger.Debug().
		Str("context", ref.ID).
		Str("projection", projID).
		Int("chunks", len(chunks)).
		Msg("Context chunked")

	return chunks, projID, nil
}

// ReadChunk returns the content of one chunk from a saved projection
func (s *ContextStore) ReadChunk(ref Ref, projectionID, chunkID string) (string, error) {
	entry, err := s.get(ref)
	if err != nil {
		return "", err
	}

	entry.mu.Lock()
	proj, ok := entry.projections[projectionID]
	entry.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("projection %s: %w", projectionID, ErrNotFound)
	}

	chunk, ok := proj.chunks[chunkID]
	if !ok {
		return "", fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
	}

	return s.readRange(ref.ID, entry, chunk.Offset, chunk.Length)
}

// Delete removes a blob and its segments. Absent references are a no-op.
func (s *ContextStore) Delete(ref Ref) error {
	s.mu.Lock()
	entry, ok := s.entries[ref.ID]
	if ok {
		delete(s.entries, ref.ID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	if entry.segmented {
		if _, err := s.db.Exec("DELETE FROM segments WHERE context_id = ?", ref.ID); err != nil {
			return fmt.Errorf("failed to delete segments: %w", err)
		}
	}

	s.logger.Debug().Str("context", ref.ID).Msg("Context deleted")
	return nil
}

// Count returns the number of live contexts
func (s *ContextStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

func (s *ContextStore) get(ref Ref) (*contextEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[ref.ID]
	if !ok {
		return nil, fmt.Errorf("context %s: %w", ref.ID, ErrNotFound)
	}
	return entry, nil
}

// writeSegments splits a blob into fixed-size rows inside one transaction
func (s *ContextStore) writeSegments(id, blob string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin segment tx: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO segments (context_id, idx, content) VALUES (?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare segment insert: %w", err)
	}
	defer stmt.Close()

	for idx, off := 0, 0; off < len(blob); idx, off = idx+1, off+segmentSize {
		end := off + segmentSize
		if end > len(blob) {
			end = len(blob)
		}
		if _, err := stmt.Exec(id, idx, []byte(blob[off:end])); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to write segment %d: %w", idx, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit segments: %w", err)
	}

	return nil
}

// readRange reads [offset, offset+length) touching only the covering segments
func (s *ContextStore) readRange(id string, entry *contextEntry, offset, length int64) (string, error) {
	if length <= 0 {
		return "", nil
	}
	if offset+length > entry.size {
		length = entry.size - offset
	}

	if !entry.segmented {
		return entry.inline[offset : offset+length], nil
	}

	firstSeg := offset / segmentSize
	lastSeg := (offset + length - 1) / segmentSize

	rows, err := s.db.Query(
		"SELECT content FROM segments WHERE context_id = ? AND idx BETWEEN ? AND ? ORDER BY idx",
		id, firstSeg, lastSeg,
	)
	if err != nil {
		return "", fmt.Errorf("failed to read segments: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var content []byte
		if err := rows.Scan(&content); err != nil {
			return "", fmt.Errorf("failed to scan segment: %w", err)
		}
		b.Write(content)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("segment iteration failed: %w", err)
	}

	joined := b.String()
	local := offset - firstSeg*segmentSize
	if local+length > int64(len(joined)) {
		return "", fmt.Errorf("context %s segments missing bytes [%d,%d)", id, offset, offset+length)
	}

	return joined[local : local+length], nil
}
