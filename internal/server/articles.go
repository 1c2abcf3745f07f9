package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/newschat/internal/embedding"
	"github.com/mohammad-safakhou/newschat/internal/retrieval"
	"github.com/mohammad-safakhou/newschat/models"
)

// ArticlesHandler feeds the vector index. Crawling and scraping live outside
// this service; callers push already-extracted articles here.
type ArticlesHandler struct {
	Embedder  *embedding.Embedding
	Retriever *retrieval.Retriever
}

func (h *ArticlesHandler) Register(g *echo.Group) {
	g.POST("", h.ingest)
}

func (h *ArticlesHandler) ingest(c echo.Context) error {
	var req ArticleIngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Articles) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "articles required")
	}

	articles := make([]models.Article, 0, len(req.Articles))
	texts := make([]string, 0, len(req.Articles))
	skipped := 0
	for _, in := range req.Articles {
		if strings.TrimSpace(in.URL) == "" || strings.TrimSpace(in.Title+in.Description+in.Content) == "" {
			skipped++
			continue
		}
		articles = append(articles, models.Article{
			Title:       in.Title,
			URL:         in.URL,
			Source:      in.Source,
			PublishedAt: in.PublishedAt,
			Description: in.Description,
			Content:     in.Content,
		})
		texts = append(texts, embeddingText(in))
	}
	if len(articles) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no indexable articles in payload")
	}

	ctx := c.Request().Context()
	vectors, err := h.Embedder.EmbedMany(ctx, texts)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, fmt.Sprintf("embedding failed: %v", err))
	}
	if err := h.Retriever.Index(ctx, articles, vectors); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, fmt.Sprintf("index failed: %v", err))
	}
	return c.JSON(http.StatusOK, ArticleIngestResponse{Indexed: len(articles), Skipped: skipped})
}

func embeddingText(a IngestArticle) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{a.Title, a.Description, a.Content} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n")
}
