package retrieval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"courseportal.dev/consult/internal/store"
)

// DefaultIngestPace keeps ingestion under the embedding API's 1500 requests
// per minute.
const DefaultIngestPace = 40 * time.Millisecond

// Section is one heading of a Markdown document and the text under it.
type Section struct {
	Title   string
	Content string
}

// ParseMarkdownSections splits a Markdown document at #, ## and ### headings.
// Text before the first heading is kept under untitled. Sections without
// body text are dropped. Headings inside fenced code blocks are ignored.
func ParseMarkdownSections(r io.Reader, untitled string) ([]Section, error) {
	var (
		sections []Section
		title    = untitled
		body     strings.Builder
		inFence  bool
	)

	flush := func() {
		content := strings.TrimSpace(body.String())
		if content != "" {
			sections = append(sections, Section{Title: title, Content: content})
		}
		body.Reset()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
		}
		if !inFence {
			if heading, ok := headingText(trimmed); ok {
				flush()
				title = heading
				continue
			}
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read markdown: %w", err)
	}
	flush()
	return sections, nil
}

func headingText(line string) (string, bool) {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 3 || level >= len(line) || line[level] != ' ' {
		return "", false
	}
	text := strings.TrimSpace(strings.TrimRight(line[level:], "#"))
	if text == "" {
		return "", false
	}
	return text, true
}

// Ingester embeds document sections and replaces a knowledge pool with them.
type Ingester struct {
	embedder Embedder
	writer   store.KnowledgeWriter
	pace     time.Duration
	logger   zerolog.Logger
}

func NewIngester(embedder Embedder, writer store.KnowledgeWriter, pace time.Duration, logger zerolog.Logger) *Ingester {
	if pace <= 0 {
		pace = DefaultIngestPace
	}
	return &Ingester{embedder: embedder, writer: writer, pace: pace, logger: logger}
}

// IngestFile parses filePath and stores its sections in pool, replacing what
// the pool held before. Sections whose embedding fails are skipped.
func (in *Ingester) IngestFile(ctx context.Context, filePath string, pool store.Pool) (int, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open data file %s: %w", filePath, err)
	}
	defer f.Close()

	untitled := strings.TrimSuffix(filepath.Base(filePath), ".md")
	sections, err := ParseMarkdownSections(f, untitled)
	if err != nil {
		return 0, err
	}
	return in.Ingest(ctx, sections, pool)
}

func (in *Ingester) Ingest(ctx context.Context, sections []Section, pool store.Pool) (int, error) {
	if len(sections) == 0 {
		in.logger.Warn().Str("pool", pool.String()).Msg("no sections found, pool left unchanged")
		return 0, nil
	}
	in.logger.Info().Int("sections", len(sections)).Str("pool", pool.String()).Msg("embedding sections")

	ticker := time.NewTicker(in.pace)
	defer ticker.Stop()

	chunks := make([]store.KnowledgeChunk, 0, len(sections))
	for i, section := range sections {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}

		embedding, err := in.embedder.Embed(ctx, section.Title+"\n"+section.Content)
		if err != nil {
			in.logger.Warn().Err(err).Int("section", i+1).Str("title", section.Title).Msg("failed to embed section, skipping")
			continue
		}
		chunks = append(chunks, store.KnowledgeChunk{
			Title:     section.Title,
			Content:   section.Content,
			Embedding: embedding,
		})
		if (i+1)%50 == 0 {
			in.logger.Info().Msgf("Embedded %d/%d sections...", i+1, len(sections))
		}
	}

	if len(chunks) == 0 {
		return 0, fmt.Errorf("no section of %s could be embedded", pool)
	}
	if err := in.writer.ReplaceChunks(ctx, pool, chunks); err != nil {
		return 0, fmt.Errorf("failed to store %s chunks: %w", pool, err)
	}
	in.logger.Info().Int("chunks", len(chunks)).Str("pool", pool.String()).Msg("ingestion complete")
	return len(chunks), nil
}
