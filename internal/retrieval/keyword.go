package retrieval

import (
	"sort"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/mohammad-safakhou/newschat/models"
)

const rrfK = 60 // reciprocal-rank-fusion constant

// keywordHit is one BM25 match, identified by article URL.
type keywordHit struct {
	URL  string
	Rank int
}

// keywordDoc is the shape indexed into bleve for BM25 recall.
type keywordDoc struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

// KeywordIndex keeps an in-memory BM25 index over ingested articles, used to
// re-rank vector hits when hybrid recall is enabled.
type KeywordIndex struct {
	index bleve.Index
	mu    sync.RWMutex
}

func NewKeywordIndex() (*KeywordIndex, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &KeywordIndex{index: index}, nil
}

// Add indexes an article keyed by URL; re-adding the same URL overwrites.
func (k *KeywordIndex) Add(a models.Article) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.index.Index(a.URL, keywordDoc{
		Title:       a.Title,
		Description: a.Description,
		Content:     a.Content,
	})
}

// Search returns ranked keyword matches for a query string.
func (k *KeywordIndex) Search(query string, limit int) ([]keywordHit, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	q := bleve.NewQueryStringQuery(query)
	searchReq := bleve.NewSearchRequestOptions(q, limit, 0, false)
	res, err := k.index.Search(searchReq)
	if err != nil {
		return nil, err
	}
	hits := make([]keywordHit, 0, len(res.Hits))
	for i, hit := range res.Hits {
		hits = append(hits, keywordHit{URL: hit.ID, Rank: i + 1})
	}
	return hits, nil
}

// fuseRRF re-orders vector hits by reciprocal-rank fusion with keyword hits.
// Cosine scores are kept as-is so the [0,1] score contract holds; fusion only
// changes the ordering. Keyword-only hits carry no similarity evidence and are
// dropped.
func fuseRRF(vectorHits []models.Article, kwHits []keywordHit) []models.Article {
	if len(kwHits) == 0 {
		return vectorHits
	}
	fused := make(map[string]float64, len(vectorHits))
	for i, a := range vectorHits {
		fused[a.URL] = 1.0 / float64(rrfK+i+1)
	}
	for _, h := range kwHits {
		if _, ok := fused[h.URL]; ok {
			fused[h.URL] += 1.0 / float64(rrfK+h.Rank)
		}
	}
	out := make([]models.Article, len(vectorHits))
	copy(out, vectorHits)
	sort.SliceStable(out, func(i, j int) bool { return fused[out[i].URL] > fused[out[j].URL] })
	return out
}
