// Package chunk defines the Chunk type shared by both pipelines and the
// Chunker that splits raw document text into bounded, overlapping windows.
package chunk

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// Chunk is a bounded text fragment with an embedding and arbitrary
// key-value metadata. Metadata is kept as a map rather than a typed
// struct because it is indexed by user-supplied keys (notebook_id,
// source_id, and extensions) as well as the fixed provenance fields.
type Chunk struct {
	ID        string
	Text      string
	Embedding []float32
	Metadata  map[string]any
}

// Standard metadata keys every chunk must carry per the data model.
const (
	MetaNotebookID  = "notebook_id"
	MetaSourceID    = "source_id"
	MetaUserID      = "user_id"
	MetaFileName    = "file_name"
	MetaFileHash    = "file_hash"
	MetaByteSize    = "byte_size"
	MetaUploadedAt  = "uploaded_at"
	MetaChunkIndex  = "chunk_index"
)

// NotebookID returns the chunk's notebook_id metadata value, or "" if absent.
func (c Chunk) NotebookID() string { return stringMeta(c.Metadata, MetaNotebookID) }

// SourceID returns the chunk's source_id metadata value, or "" if absent.
func (c Chunk) SourceID() string { return stringMeta(c.Metadata, MetaSourceID) }

// TextHash returns md5(text) hex-encoded, the half of the dedup key that
// depends on content.
func (c Chunk) TextHash() string { return TextHash(c.Text) }

// TextHash computes md5(text) hex-encoded.
func TextHash(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

func stringMeta(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Options configures Chunker.
type Options struct {
	// MaxSize is the maximum number of runes per chunk.
	MaxSize int
	// Overlap is the number of trailing runes from one chunk carried into
	// the next, for context continuity across chunk boundaries.
	Overlap int
}

// DefaultOptions matches the sizes used by the ingestion pipeline this
// design is grounded on: ~1000 character windows with a 200 character
// overlap.
func DefaultOptions() Options {
	return Options{MaxSize: 1000, Overlap: 200}
}

// Chunker splits text into bounded, overlapping chunks and stamps each with
// stable metadata (chunk_index plus whatever base metadata the caller
// supplies).
type Chunker struct {
	opts Options
}

// NewChunker constructs a Chunker with the given options, filling in
// DefaultOptions for zero values.
func NewChunker(opts Options) *Chunker {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultOptions().MaxSize
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.MaxSize {
		opts.Overlap = DefaultOptions().Overlap
	}
	return &Chunker{opts: opts}
}

// Split breaks text into chunks of at most MaxSize runes, each overlapping
// the previous by Overlap runes, preferring to break on paragraph or
// sentence boundaries near the limit. baseMetadata is copied into every
// resulting chunk's Metadata map, then chunk_index is added.
func (c *Chunker) Split(text string, baseMetadata map[string]any) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	var chunks []Chunk
	start := 0
	idx := 0

	for start < len(runes) {
		end := start + c.opts.MaxSize
		if end > len(runes) {
			end = len(runes)
		} else {
			end = breakPoint(runes, start, end)
		}

		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			meta := make(map[string]any, len(baseMetadata)+1)
			for k, v := range baseMetadata {
				meta[k] = v
			}
			meta[MetaChunkIndex] = idx
			chunks = append(chunks, Chunk{Text: piece, Metadata: meta})
			idx++
		}

		if end >= len(runes) {
			break
		}
		next := end - c.opts.Overlap
		if next <= start {
			next = end
		}
		start = next
	}

	return chunks
}

// breakPoint looks backward from end (within the window [start, end]) for a
// paragraph break, then a sentence break, falling back to the hard limit if
// neither is found within a reasonable lookback.
func breakPoint(runes []rune, start, end int) int {
	lookback := end - 200
	if lookback < start {
		lookback = start
	}

	for i := end - 1; i > lookback; i-- {
		if runes[i] == '\n' && i+1 < len(runes) && runes[i+1] == '\n' {
			return i + 1
		}
	}
	for i := end - 1; i > lookback; i-- {
		if runes[i] == '.' || runes[i] == '!' || runes[i] == '?' {
			return i + 1
		}
	}
	return end
}
