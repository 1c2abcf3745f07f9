package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/newschat/config"
	"github.com/mohammad-safakhou/newschat/internal/embedding"
	"github.com/mohammad-safakhou/newschat/internal/retrieval"
	"github.com/mohammad-safakhou/newschat/models"
	"github.com/mohammad-safakhou/newschat/provider"
)

const indexBatchSize = 32

func indexCMD() *cobra.Command {
	var cfgPath string
	var filePath string
	var index = &cobra.Command{
		Use:   "index",
		Short: "Bulk-index articles from a JSON file into the vector collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			return runIndex(cfg, filePath)
		},
	}
	index.Flags().StringVarP(&filePath, "file", "f", "", "JSON file with an array of articles")
	index.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	_ = index.MarkFlagRequired("file")

	return index
}

func runIndex(cfg *config.Config, filePath string) error {
	logger := log.New(os.Stdout, "[INDEX] ", log.LstdFlags)

	raw, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filePath, err)
	}
	var articles []models.Article
	if err := json.Unmarshal(raw, &articles); err != nil {
		return fmt.Errorf("parsing %s: %w", filePath, err)
	}

	valid := articles[:0]
	for _, a := range articles {
		if strings.TrimSpace(a.URL) == "" || strings.TrimSpace(a.Content) == "" {
			logger.Printf("skipping article without url or content: %q", a.Title)
			continue
		}
		valid = append(valid, a)
	}
	if len(valid) == 0 {
		return fmt.Errorf("no indexable articles in %s", filePath)
	}

	llm, err := provider.NewProvider(provider.OpenAI, cfg.LLM)
	if err != nil {
		return err
	}
	embedder := embedding.NewEmbedding(llm)

	qdrant := retrieval.NewQdrant(retrieval.QdrantConfig{
		URL:        cfg.Vector.URL,
		APIKey:     cfg.Vector.APIKey,
		Collection: cfg.Vector.Collection,
		Dimensions: cfg.Vector.Dimensions,
		Timeout:    cfg.Vector.Timeout,
	})
	retriever := retrieval.NewRetriever(qdrant, nil, logger)

	ctx := context.Background()
	if err := retriever.Init(ctx); err != nil {
		return fmt.Errorf("collection init failed: %w", err)
	}

	start := time.Now()
	total := 0
	for off := 0; off < len(valid); off += indexBatchSize {
		end := off + indexBatchSize
		if end > len(valid) {
			end = len(valid)
		}
		batch := valid[off:end]
		texts := make([]string, len(batch))
		for i, a := range batch {
			texts[i] = articleText(a)
		}
		vectors, err := embedder.EmbedMany(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding batch at offset %d: %w", off, err)
		}
		if err := retriever.Index(ctx, batch, vectors); err != nil {
			return fmt.Errorf("indexing batch at offset %d: %w", off, err)
		}
		total += len(batch)
		logger.Printf("indexed %d/%d articles", total, len(valid))
	}
	logger.Printf("done: %d articles in %s", total, time.Since(start).Round(time.Millisecond))
	return nil
}

func articleText(a models.Article) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{a.Title, a.Description, a.Content} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n")
}
