package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/mohammad-safakhou/newschat/models"
	"github.com/mohammad-safakhou/newschat/provider"
)

// Embedding wraps an embedding provider with input validation.
type Embedding struct {
	provider provider.Provider
}

func NewEmbedding(p provider.Provider) *Embedding {
	return &Embedding{provider: p}
}

// Embed returns the vector for a single text. Blank input is rejected before
// any upstream call is made.
func (e *Embedding) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, models.ErrEmptyInput
	}
	vecs, err := e.provider.CreateEmbedding(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedding response empty")
	}
	return vecs[0], nil
}

// EmbedMany embeds a batch, dropping blank entries before calling upstream.
// The result is index-aligned with the surviving inputs.
func (e *Embedding) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	valid := make([]string, 0, len(texts))
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		return nil, models.ErrNoValidInput
	}
	vecs, err := e.provider.CreateEmbedding(ctx, valid)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	return vecs, nil
}

// Cosine computes cosine similarity between two vectors. Returns 0 when either
// vector has zero magnitude rather than dividing by zero.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
