package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"courseportal.dev/consult/internal/store"
)

// Searcher returns at most limit chunks of pool whose similarity to embedding
// is at least threshold, most similar first.
type Searcher interface {
	SearchChunks(ctx context.Context, embedding []float32, pool store.Pool, limit int, threshold float64) ([]store.ScoredChunk, error)
}

// MemoryIndex keeps every chunk and its embedding in memory and scores them by
// brute force. It serves stores without server-side vector search.
type MemoryIndex struct {
	source store.KnowledgeReader
	logger zerolog.Logger

	mu     sync.RWMutex
	chunks []store.KnowledgeChunk
}

func NewMemoryIndex(ctx context.Context, source store.KnowledgeReader, logger zerolog.Logger) (*MemoryIndex, error) {
	idx := &MemoryIndex{source: source, logger: logger}
	if err := idx.Reload(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// Reload replaces the cached chunks with the current content of the store.
func (m *MemoryIndex) Reload(ctx context.Context) error {
	chunks, err := m.source.ListChunks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load knowledge chunks: %w", err)
	}

	m.mu.Lock()
	m.chunks = chunks
	m.mu.Unlock()

	if len(chunks) == 0 {
		m.logger.Warn().Msg("knowledge index is empty, ingest course material with -ingest")
	} else {
		m.logger.Info().Int("chunks", len(chunks)).Msg("knowledge index loaded")
	}
	return nil
}

func (m *MemoryIndex) SearchChunks(ctx context.Context, embedding []float32, pool store.Pool, limit int, threshold float64) ([]store.ScoredChunk, error) {
	if limit <= 0 {
		return []store.ScoredChunk{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	scored := make([]store.ScoredChunk, 0)
	for _, chunk := range m.chunks {
		if chunk.Pool != pool.Kind || chunk.GroupID != pool.GroupID {
			continue
		}
		if len(chunk.Embedding) == 0 {
			m.logger.Warn().Int64("chunk_id", chunk.ID).Str("title", chunk.Title).Msg("skipping chunk without embedding")
			continue
		}
		similarity, err := CosineSimilarity(embedding, chunk.Embedding)
		if err != nil {
			m.logger.Warn().Err(err).Int64("chunk_id", chunk.ID).Msg("similarity failed, skipping chunk")
			continue
		}
		if similarity >= threshold {
			scored = append(scored, store.ScoredChunk{
				Title:      chunk.Title,
				Content:    chunk.Content,
				Similarity: similarity,
			})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

var _ Searcher = (*MemoryIndex)(nil)
var _ Searcher = (*store.PostgresStore)(nil)
