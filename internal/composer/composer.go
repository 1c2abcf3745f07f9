package composer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/newschat/models"
	"github.com/mohammad-safakhou/newschat/provider"
)

// Deterministic fallback answers. The transport layer always receives one of
// these instead of an error when composition cannot produce a grounded answer.
const (
	FallbackNoArticles = "I couldn't find any recent news articles relevant to your question. " +
		"Try rephrasing it or asking about a different topic."
	FallbackGenerationFailed = "I found some relevant articles but ran into a problem while " +
		"composing an answer. Please try again in a moment."
)

// StreamObserver consumes one streamed composition: zero or more ordered
// chunks followed by exactly one completion, success or not.
type StreamObserver interface {
	OnChunk(chunk string)
	OnComplete(response string, sources []models.Source)
}

// Composer builds grounded answers from retrieved articles and prior turns.
type Composer struct {
	provider      provider.Provider
	historyWindow int
	excerptLimit  int
	logger        *log.Logger
}

func NewComposer(p provider.Provider, historyWindow, excerptLimit int, logger *log.Logger) *Composer {
	if historyWindow <= 0 {
		historyWindow = 6
	}
	if excerptLimit <= 0 {
		excerptLimit = 500
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[COMPOSER] ", log.LstdFlags)
	}
	return &Composer{provider: p, historyWindow: historyWindow, excerptLimit: excerptLimit, logger: logger}
}

// Compose produces a whole answer. It never returns an error: failures resolve
// to a deterministic fallback message and the best-effort source list.
func (c *Composer) Compose(ctx context.Context, query string, articles []models.Article, history []models.ChatTurn) (string, []models.Source) {
	if len(articles) == 0 {
		return FallbackNoArticles, []models.Source{}
	}
	prompt := c.buildPrompt(query, articles, history)
	answer, err := c.provider.Completion(ctx, prompt)
	if err != nil {
		c.logger.Printf("completion failed: %v", err)
		return FallbackGenerationFailed, sourcesOf(articles)
	}
	return answer, sourcesOf(articles)
}

// ComposeStream produces an answer incrementally, forwarding fragments to the
// observer in arrival order. Exactly one OnComplete is emitted, even when the
// generator fails, so a listening transport is never left hanging.
func (c *Composer) ComposeStream(ctx context.Context, query string, articles []models.Article, history []models.ChatTurn, obs StreamObserver) {
	if len(articles) == 0 {
		obs.OnComplete(FallbackNoArticles, []models.Source{})
		return
	}
	prompt := c.buildPrompt(query, articles, history)
	full, err := c.provider.CompletionStream(ctx, prompt, obs.OnChunk)
	if err != nil {
		c.logger.Printf("stream completion failed: %v", err)
		obs.OnComplete(FallbackGenerationFailed, sourcesOf(articles))
		return
	}
	obs.OnComplete(full, sourcesOf(articles))
}

// buildPrompt assembles the grounding context: a bounded window of prior turns
// followed by one block per article, excerpt capped to the character budget.
func (c *Composer) buildPrompt(query string, articles []models.Article, history []models.ChatTurn) string {
	var contextBlocks []string
	for i, a := range articles {
		published := ""
		if !a.PublishedAt.IsZero() {
			published = a.PublishedAt.Format(time.RFC1123)
		}
		contextBlocks = append(contextBlocks, fmt.Sprintf(
			"[%d] Title: %s\nSource: %s\nPublished At: %s\nSummary: %s\nExcerpt: %s",
			i+1, a.Title, a.Source, published, a.Description, excerpt(a.Content, c.excerptLimit),
		))
	}

	var conversation string
	if len(history) > 0 {
		window := history
		if len(window) > c.historyWindow {
			window = window[len(window)-c.historyWindow:]
		}
		var lines []string
		for _, turn := range window {
			lines = append(lines, fmt.Sprintf("%s: %s", turn.Role, turn.Content))
		}
		conversation = fmt.Sprintf("\nCONVERSATION SO FAR:\n%s\n", strings.Join(lines, "\n"))
	}

	return fmt.Sprintf(`You are a news assistant answering questions about current events.

RULES:
1. Answer using ONLY the news context below
2. If the context does not contain enough information to answer, say so explicitly
3. Never state facts that are absent from the context
4. Keep the same tone across the conversation
5. Cite articles by their [number] when useful
%s
NEWS CONTEXT:
%s

USER QUESTION: %s`, conversation, strings.Join(contextBlocks, "\n\n"), query)
}

func excerpt(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

func sourcesOf(articles []models.Article) []models.Source {
	out := make([]models.Source, 0, len(articles))
	for _, a := range articles {
		out = append(out, a.AsSource())
	}
	return out
}
