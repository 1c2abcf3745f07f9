package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appconfig "github.com/mohammad-safakhou/newschat/config"
	"github.com/mohammad-safakhou/newschat/internal/composer"
	"github.com/mohammad-safakhou/newschat/internal/embedding"
	"github.com/mohammad-safakhou/newschat/internal/pipeline"
	"github.com/mohammad-safakhou/newschat/internal/retrieval"
	"github.com/mohammad-safakhou/newschat/internal/session"
	"github.com/mohammad-safakhou/newschat/internal/telemetry"
	"github.com/mohammad-safakhou/newschat/provider"
)

func Run(cfg *appconfig.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	// Shared dependencies (top-level DI); components receive collaborators
	// here instead of reaching into globals.
	ctx := context.Background()
	rdb, err := session.Conn(ctx, cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Storage.Redis.Timeout)
	if err != nil {
		return fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, err)
	}
	store := session.NewStore(rdb, cfg.Chat.SessionTTL, cfg.Chat.TitleMaxLength)

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
	var keyword *retrieval.KeywordIndex
	if cfg.Retrieval.HybridRecall {
		keyword, err = retrieval.NewKeywordIndex()
		if err != nil {
			return fmt.Errorf("keyword index init failed: %w", err)
		}
	}
	retriever := retrieval.NewRetriever(qdrant, keyword, log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags))
	if err := retriever.Init(ctx); err != nil {
		return fmt.Errorf("vector collection init failed: %w", err)
	}

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	comp := composer.NewComposer(llm, cfg.Chat.HistoryWindow, cfg.Chat.ExcerptLimit, log.New(log.Writer(), "[COMPOSER] ", log.LstdFlags))
	pipe := pipeline.New(store, embedder, retriever, comp, metrics, log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags), cfg.Retrieval.TopK, cfg.Retrieval.ScoreThreshold)

	e.GET("/healthz", func(c echo.Context) error {
		if err := store.Ping(c.Request().Context()); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "session store unavailable")
		}
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	if cfg.Server.JWTSecret != "" {
		secret := []byte(cfg.Server.JWTSecret)
		api.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	}

	hub := NewHub(pipe, store, metrics, log.New(log.Writer(), "[WS] ", log.LstdFlags))

	ch := &ChatHandler{Pipeline: pipe}
	ch.Register(api.Group("/chat"))

	sh := &SessionsHandler{Store: store, Hub: hub}
	sh.Register(api.Group("/sessions"))

	ah := &ArticlesHandler{Embedder: embedder, Retriever: retriever}
	ah.Register(api.Group("/articles"))

	e.GET("/ws", hub.ServeWS)

	addr := cfg.Server.Address
	if addr == "" {
		addr = cfg.General.Listen
	}
	if addr == "" {
		addr = ":10002"
	}
	if addr[0] != ':' {
		addr = ":" + addr
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
