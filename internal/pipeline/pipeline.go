package pipeline

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/newschat/internal/composer"
	"github.com/mohammad-safakhou/newschat/internal/embedding"
	"github.com/mohammad-safakhou/newschat/internal/retrieval"
	"github.com/mohammad-safakhou/newschat/internal/session"
	"github.com/mohammad-safakhou/newschat/internal/telemetry"
	"github.com/mohammad-safakhou/newschat/models"
)

// Query is one caller request entering the pipeline.
type Query struct {
	Message   string
	SessionID string
	// Persist controls session bookkeeping; the diagnostic endpoint runs a
	// pass with Persist=false and touches no session state.
	Persist bool
}

// SessionObserver is optionally implemented by stream observers that want to
// learn the resolved session id before any fragment arrives.
type SessionObserver interface {
	OnSession(sessionID string)
}

// Pipeline sequences embed, retrieve and compose for one query and owns the
// session bookkeeping around it. It holds no cross-request mutable state; all
// collaborators are safe for concurrent use.
type Pipeline struct {
	store     *session.Store
	embedder  *embedding.Embedding
	retriever *retrieval.Retriever
	composer  *composer.Composer
	metrics   *telemetry.Metrics
	logger    *log.Logger

	topK      int
	threshold float64
}

func New(store *session.Store, embedder *embedding.Embedding, retriever *retrieval.Retriever, comp *composer.Composer, metrics *telemetry.Metrics, logger *log.Logger, topK int, threshold float64) *Pipeline {
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	if topK <= 0 {
		topK = 5
	}
	return &Pipeline{
		store:     store,
		embedder:  embedder,
		retriever: retriever,
		composer:  comp,
		metrics:   metrics,
		logger:    logger,
		topK:      topK,
		threshold: threshold,
	}
}

// Handle runs one whole-answer pass.
//
// The returned error is non-nil only for caller validation failures (no side
// effect has happened yet) and for session-store failures during resolution.
// Every failure after the session is resolved degrades into a fallback answer
// with the user turn and the fallback assistant turn persisted, so history
// never shows a question without a reply.
func (p *Pipeline) Handle(ctx context.Context, q Query) (models.PipelineResult, error) {
	if p.metrics != nil {
		p.metrics.QueriesTotal.Inc()
	}
	q.Message = strings.TrimSpace(q.Message)
	if q.Message == "" {
		return models.PipelineResult{}, models.ErrEmptyInput
	}

	var history []models.ChatTurn
	if q.Persist {
		sessionID, h, err := p.resolveSession(ctx, q)
		if err != nil {
			return models.PipelineResult{}, err
		}
		q.SessionID = sessionID
		history = h
	}

	answer, sources, degraded := p.answer(ctx, q.Message, history, nil)

	result := models.PipelineResult{
		Response:  answer,
		Sources:   sources,
		SessionID: q.SessionID,
		Degraded:  degraded,
	}
	if q.Persist {
		p.persistAssistantTurn(ctx, q.SessionID, answer, sources)
	}
	if degraded && p.metrics != nil {
		p.metrics.DegradedTotal.Inc()
	}
	return result, nil
}

// HandleStream runs one streaming pass, forwarding fragments to obs in order.
// Exactly one OnComplete fires, carrying the final (possibly fallback) answer;
// session bookkeeping happens before the completion event so a reconnecting
// client reads consistent history.
func (p *Pipeline) HandleStream(ctx context.Context, q Query, obs composer.StreamObserver) (models.PipelineResult, error) {
	if p.metrics != nil {
		p.metrics.QueriesTotal.Inc()
	}
	q.Message = strings.TrimSpace(q.Message)
	if q.Message == "" {
		return models.PipelineResult{}, models.ErrEmptyInput
	}

	var history []models.ChatTurn
	if q.Persist {
		sessionID, h, err := p.resolveSession(ctx, q)
		if err != nil {
			return models.PipelineResult{}, err
		}
		q.SessionID = sessionID
		history = h
	}
	if sa, ok := obs.(SessionObserver); ok {
		sa.OnSession(q.SessionID)
	}

	result := models.PipelineResult{SessionID: q.SessionID}
	p.answer(ctx, q.Message, history, &streamRelay{
		inner: obs,
		onComplete: func(response string, sources []models.Source) {
			result.Response = response
			result.Sources = sources
			result.Degraded = isFallback(response)
			if q.Persist {
				p.persistAssistantTurn(ctx, q.SessionID, response, sources)
			}
		},
	})
	if result.Degraded && p.metrics != nil {
		p.metrics.DegradedTotal.Inc()
	}
	return result, nil
}

// resolveSession loads or transparently creates the session, returns the prior
// history for grounding, persists the user turn, and auto-titles the session
// when this is its first message.
func (p *Pipeline) resolveSession(ctx context.Context, q Query) (string, []models.ChatTurn, error) {
	sessionID := strings.TrimSpace(q.SessionID)
	if sessionID != "" {
		exists, err := p.store.SessionExists(ctx, sessionID)
		if err != nil {
			return "", nil, err
		}
		if !exists {
			sessionID = ""
		}
	}
	if sessionID == "" {
		sess, err := p.store.CreateSession(ctx, "")
		if err != nil {
			return "", nil, err
		}
		sessionID = sess.ID
	}

	history, err := p.store.GetChatHistory(ctx, sessionID, 0)
	if err != nil {
		return "", nil, err
	}

	if _, err := p.store.AddMessage(ctx, sessionID, models.ChatTurn{
		Role:    models.RoleUser,
		Content: q.Message,
	}); err != nil {
		return "", nil, err
	}

	// First user message names the conversation. This also covers sessions
	// created empty through the API and used for the first time.
	if len(history) == 0 {
		if sess, err := p.store.GetSession(ctx, sessionID); err == nil && sess.Title == models.DefaultSessionTitle {
			if _, err := p.store.AutoGenerateTitle(ctx, sessionID, q.Message); err != nil {
				p.logger.Printf("auto title failed for %s: %v", sessionID, err)
			}
		}
	}
	return sessionID, history, nil
}

// answer runs embed -> retrieve -> compose. With a relay it streams, otherwise
// it composes whole. Failures never escape: they resolve to fallback text.
func (p *Pipeline) answer(ctx context.Context, message string, history []models.ChatTurn, relay *streamRelay) (string, []models.Source, bool) {
	articles, err := p.retrieve(ctx, message)
	if err != nil {
		// Degrade with the generic failure wording; the raw error stays in logs.
		p.logger.Printf("retrieval failed: %v", err)
		if relay != nil {
			relay.OnComplete(composer.FallbackGenerationFailed, []models.Source{})
			return "", nil, true
		}
		return composer.FallbackGenerationFailed, []models.Source{}, true
	}

	start := time.Now()
	if relay != nil {
		p.composer.ComposeStream(ctx, message, articles, history, relay)
		p.metrics.ObserveStage("compose", start)
		return "", nil, false // relay carries the real outcome
	}
	answer, sources := p.composer.Compose(ctx, message, articles, history)
	p.metrics.ObserveStage("compose", start)
	return answer, sources, isFallback(answer)
}

func (p *Pipeline) retrieve(ctx context.Context, message string) ([]models.Article, error) {
	start := time.Now()
	vector, err := p.embedder.Embed(ctx, message)
	p.metrics.ObserveStage("embed", start)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	articles, err := p.retriever.Search(ctx, vector, message, p.topK, p.threshold)
	p.metrics.ObserveStage("retrieve", start)
	if err != nil {
		return nil, err
	}
	return articles, nil
}

// persistAssistantTurn appends the answer to history. A store failure here is
// logged, not surfaced: the caller already has the answer.
func (p *Pipeline) persistAssistantTurn(ctx context.Context, sessionID, answer string, sources []models.Source) {
	if _, err := p.store.AddMessage(ctx, sessionID, models.ChatTurn{
		Role:    models.RoleAssistant,
		Content: answer,
		Sources: sources,
	}); err != nil {
		p.logger.Printf("failed to persist assistant turn for %s: %v", sessionID, err)
	}
}

func isFallback(response string) bool {
	return response == composer.FallbackNoArticles || response == composer.FallbackGenerationFailed
}

// streamRelay forwards chunks untouched and funnels the terminal event into
// the pipeline's bookkeeping before the transport sees it.
type streamRelay struct {
	inner      composer.StreamObserver
	onComplete func(response string, sources []models.Source)
}

func (r *streamRelay) OnChunk(chunk string) {
	if r.inner != nil {
		r.inner.OnChunk(chunk)
	}
}

func (r *streamRelay) OnComplete(response string, sources []models.Source) {
	r.onComplete(response, sources)
	if r.inner != nil {
		r.inner.OnComplete(response, sources)
	}
}
