package retrieval

import (
	"context"
	"log"

	"github.com/mohammad-safakhou/newschat/models"
)

// VectorIndex is the contract the retriever needs from the backing index.
type VectorIndex interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, articles []models.Article, vectors [][]float32) error
	Search(ctx context.Context, vector []float32, limit int, threshold float64) ([]models.Article, error)
	BatchSearch(ctx context.Context, vectors [][]float32, limit int, threshold float64) ([][]models.Article, error)
}

// Retriever answers similarity queries against the vector index, optionally
// fusing keyword evidence from the in-memory index.
type Retriever struct {
	vector  VectorIndex
	keyword *KeywordIndex // nil when hybrid recall is disabled
	logger  *log.Logger
}

func NewRetriever(vector VectorIndex, keyword *KeywordIndex, logger *log.Logger) *Retriever {
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags)
	}
	return &Retriever{vector: vector, keyword: keyword, logger: logger}
}

// Init makes sure the backing collection exists.
func (r *Retriever) Init(ctx context.Context) error {
	return r.vector.EnsureCollection(ctx)
}

// Index upserts articles with their vectors and feeds the keyword index.
func (r *Retriever) Index(ctx context.Context, articles []models.Article, vectors [][]float32) error {
	if err := r.vector.Upsert(ctx, articles, vectors); err != nil {
		return err
	}
	if r.keyword != nil {
		for _, a := range articles {
			if err := r.keyword.Add(a); err != nil {
				r.logger.Printf("keyword index add failed for %s: %v", a.URL, err)
			}
		}
	}
	return nil
}

// Search returns candidates for one query vector. queryText is only consulted
// when hybrid recall is on.
func (r *Retriever) Search(ctx context.Context, vector []float32, queryText string, limit int, threshold float64) ([]models.Article, error) {
	hits, err := r.vector.Search(ctx, vector, limit, threshold)
	if err != nil {
		return nil, err
	}
	if r.keyword == nil || queryText == "" {
		return hits, nil
	}
	kwHits, err := r.keyword.Search(queryText, limit)
	if err != nil {
		r.logger.Printf("keyword search failed: %v", err)
		return hits, nil
	}
	return fuseRRF(hits, kwHits), nil
}

// BatchSearch runs vector-only searches, index-aligned with the inputs.
func (r *Retriever) BatchSearch(ctx context.Context, vectors [][]float32, limit int, threshold float64) ([][]models.Article, error) {
	return r.vector.BatchSearch(ctx, vectors, limit, threshold)
}
