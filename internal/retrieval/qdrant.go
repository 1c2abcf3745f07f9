package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/newschat/models"
)

// Qdrant is a minimal REST client to a Qdrant collection.
// It assumes cosine distance and creates the collection if missing.
type Qdrant struct {
	url        string
	apiKey     string
	collection string
	dimensions int
	client     *http.Client
}

type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dimensions int
	Timeout    time.Duration
}

func NewQdrant(cfg QdrantConfig) *Qdrant {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Qdrant{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimensions: cfg.Dimensions,
		client:     &http.Client{Timeout: timeout},
	}
}

// EnsureCollection creates the collection if it does not exist yet.
// Qdrant returns 200 for an existing collection with the same schema.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     q.dimensions,
			"distance": "Cosine",
		},
	}
	return q.putJSON(ctx, fmt.Sprintf("%s/collections/%s", q.url, q.collection), body)
}

// PointID derives the deterministic point id for an article URL, so
// re-ingesting the same URL overwrites rather than duplicates.
func PointID(url string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(url)).String()
}

// Upsert writes articles and their vectors, keyed by URL hash.
func (q *Qdrant) Upsert(ctx context.Context, articles []models.Article, vectors [][]float32) error {
	if len(articles) != len(vectors) {
		return fmt.Errorf("articles and vectors length mismatch: %d != %d", len(articles), len(vectors))
	}
	points := make([]map[string]any, len(articles))
	for i, a := range articles {
		points[i] = map[string]any{
			"id":     PointID(a.URL),
			"vector": vectors[i],
			"payload": map[string]any{
				"title":        a.Title,
				"url":          a.URL,
				"source":       a.Source,
				"published_at": a.PublishedAt.Format(time.RFC3339),
				"description":  a.Description,
				"content":      a.Content,
			},
		}
	}
	body := map[string]any{"points": points}
	return q.putJSON(ctx, fmt.Sprintf("%s/collections/%s/points?wait=true", q.url, q.collection), body)
}

type scoredPoint struct {
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Search returns up to limit articles with score >= threshold, ordered by
// descending score.
func (q *Qdrant) Search(ctx context.Context, vector []float32, limit int, threshold float64) ([]models.Article, error) {
	if limit <= 0 {
		limit = 5
	}
	req := map[string]any{
		"vector":          vector,
		"limit":           limit,
		"score_threshold": threshold,
		"with_payload":    true,
	}
	var resp struct {
		Result []scoredPoint `json:"result"`
	}
	if err := q.postJSON(ctx, fmt.Sprintf("%s/collections/%s/points/search", q.url, q.collection), req, &resp); err != nil {
		return nil, err
	}
	return articlesFromPoints(resp.Result, limit, threshold), nil
}

// BatchSearch runs one search per input vector; results are index-aligned.
func (q *Qdrant) BatchSearch(ctx context.Context, vectors [][]float32, limit int, threshold float64) ([][]models.Article, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	searches := make([]map[string]any, len(vectors))
	for i, v := range vectors {
		searches[i] = map[string]any{
			"vector":          v,
			"limit":           limit,
			"score_threshold": threshold,
			"with_payload":    true,
		}
	}
	req := map[string]any{"searches": searches}
	var resp struct {
		Result [][]scoredPoint `json:"result"`
	}
	if err := q.postJSON(ctx, fmt.Sprintf("%s/collections/%s/points/search/batch", q.url, q.collection), req, &resp); err != nil {
		return nil, err
	}
	out := make([][]models.Article, len(resp.Result))
	for i, points := range resp.Result {
		out[i] = articlesFromPoints(points, limit, threshold)
	}
	return out, nil
}

// articlesFromPoints enforces the ordering and threshold contract client-side
// regardless of what the index returned.
func articlesFromPoints(points []scoredPoint, limit int, threshold float64) []models.Article {
	articles := make([]models.Article, 0, len(points))
	for _, p := range points {
		if p.Score < threshold {
			continue
		}
		a := models.Article{Score: p.Score}
		if v, ok := p.Payload["title"].(string); ok {
			a.Title = v
		}
		if v, ok := p.Payload["url"].(string); ok {
			a.URL = v
		}
		if v, ok := p.Payload["source"].(string); ok {
			a.Source = v
		}
		if v, ok := p.Payload["published_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				a.PublishedAt = t
			}
		}
		if v, ok := p.Payload["description"].(string); ok {
			a.Description = v
		}
		if v, ok := p.Payload["content"].(string); ok {
			a.Content = v
		}
		articles = append(articles, a)
	}
	sort.SliceStable(articles, func(i, j int) bool { return articles[i].Score > articles[j].Score })
	if len(articles) > limit {
		articles = articles[:limit]
	}
	return articles
}

func (q *Qdrant) putJSON(ctx context.Context, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant PUT %s failed: %s", url, resp.Status)
	}
	return nil
}

func (q *Qdrant) postJSON(ctx context.Context, url string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant POST %s failed: %s", url, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
