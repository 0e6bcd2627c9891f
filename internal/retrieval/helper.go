package retrieval

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"courseportal.dev/consult/internal/metrics"
	"courseportal.dev/consult/internal/store"
)

var tracer = otel.Tracer("consult.retrieval")

const (
	DefaultResultLimit = 3
	DefaultThreshold   = 0.7

	courseSectionTitle  = "Relevant Course Information"
	projectSectionTitle = "Relevant Project Information"
)

// Helper embeds a query and searches the knowledge pools.
type Helper struct {
	embedder  Embedder
	searcher  Searcher
	limit     int
	threshold float64
	logger    zerolog.Logger
}

func NewHelper(embedder Embedder, searcher Searcher, limit int, threshold float64, logger zerolog.Logger) *Helper {
	if limit <= 0 {
		limit = DefaultResultLimit
	}
	return &Helper{
		embedder:  embedder,
		searcher:  searcher,
		limit:     limit,
		threshold: threshold,
		logger:    logger,
	}
}

func (h *Helper) Embed(ctx context.Context, text string) ([]float32, error) {
	return h.embedder.Embed(ctx, text)
}

func (h *Helper) Search(ctx context.Context, embedding []float32, pool store.Pool, limit int, threshold float64) ([]store.ScoredChunk, error) {
	return h.searcher.SearchChunks(ctx, embedding, pool, limit, threshold)
}

// Ready reports whether the embedder can serve requests.
func (h *Helper) Ready(ctx context.Context) error {
	return h.embedder.Ready(ctx)
}

// BuildContext returns the formatted reference material for query, or "" when
// nothing relevant was found or any step failed. It never returns an error.
func (h *Helper) BuildContext(ctx context.Context, query, groupID string) string {
	ctx, span := tracer.Start(ctx, "retrieval.BuildContext")
	defer span.End()
	span.SetAttributes(attribute.Bool("retrieval.project_pool", groupID != ""))

	embedding, err := h.embedder.Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		h.logger.Warn().Err(err).Msg("embedding failed, continuing without retrieved context")
		metrics.RetrievalTotal.WithLabelValues("degraded").Inc()
		return ""
	}

	var courseHits, projectHits []store.ScoredChunk
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := h.searcher.SearchChunks(gctx, embedding, store.CoursePool(), h.limit, h.threshold)
		courseHits = hits
		return err
	})
	if groupID != "" {
		g.Go(func() error {
			hits, err := h.searcher.SearchChunks(gctx, embedding, store.ProjectPool(groupID), h.limit, h.threshold)
			projectHits = hits
			return err
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		h.logger.Warn().Err(err).Msg("knowledge search failed, continuing without retrieved context")
		metrics.RetrievalTotal.WithLabelValues("degraded").Inc()
		return ""
	}

	span.SetAttributes(
		attribute.Int("retrieval.course_hits", len(courseHits)),
		attribute.Int("retrieval.project_hits", len(projectHits)),
	)

	sections := make([]string, 0, 2)
	if s := formatSection(courseSectionTitle, courseHits); s != "" {
		sections = append(sections, s)
	}
	if s := formatSection(projectSectionTitle, projectHits); s != "" {
		sections = append(sections, s)
	}
	if len(sections) == 0 {
		h.logger.Debug().Float64("threshold", h.threshold).Msg("no relevant chunks found")
		metrics.RetrievalTotal.WithLabelValues("empty").Inc()
		return ""
	}

	h.logger.Debug().Int("course", len(courseHits)).Int("project", len(projectHits)).Msg("retrieved relevant chunks")
	metrics.RetrievalTotal.WithLabelValues("hit").Inc()
	return strings.Join(sections, "\n\n")
}

func formatSection(title string, hits []store.ScoredChunk) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## ")
	b.WriteString(title)
	for _, hit := range hits {
		b.WriteString("\n\n### ")
		b.WriteString(hit.Title)
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(hit.Content))
	}
	return b.String()
}
