package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/querypilot/querypilot/internal/conversation"
	"github.com/querypilot/querypilot/internal/engine"
	"github.com/querypilot/querypilot/internal/events"
	"github.com/querypilot/querypilot/internal/handler"
	"github.com/querypilot/querypilot/internal/history"
	"github.com/querypilot/querypilot/internal/llm"
	"github.com/querypilot/querypilot/internal/mdl"
	"github.com/querypilot/querypilot/internal/middleware"
	"github.com/querypilot/querypilot/internal/pipeline"
	"github.com/querypilot/querypilot/internal/retrieval"
	"github.com/querypilot/querypilot/internal/stream"
)

func (s *Server) setupRoutes() (http.Handler, error) {
	cfg := s.cfg
	ctx := context.Background()

	// ─── Dependency clients ─────────────────────────────────────────────────────
	var validator engine.Validator
	var bqValidator *engine.BigQueryValidator
	if cfg.GCPProjectID != "" {
		var err error
		bqValidator, err = engine.NewBigQueryValidator(ctx, cfg.GCPProjectID, cfg.GoogleApplicationCredentials,
			time.Duration(cfg.DryRunTimeoutSec)*time.Second)
		if err != nil {
			log.Warn().Err(err).Msg("BigQuery validator unavailable")
		} else {
			validator = bqValidator
			s.closers = append(s.closers, func() {
				if err := bqValidator.Close(); err != nil {
					log.Warn().Err(err).Msg("error closing BigQuery client")
				}
			})
		}
	} else {
		log.Warn().Msg("GCP_PROJECT_ID not set - SQL dry-run validation disabled")
	}

	var esRetriever *retrieval.Retriever
	if cfg.ElasticsearchEnabled {
		var err error
		esRetriever, err = retrieval.New(retrieval.Config{
			Addresses:        cfg.ElasticsearchAddresses,
			Username:         cfg.ElasticsearchUser,
			Password:         cfg.ElasticsearchPassword,
			VerifyCerts:      cfg.ElasticsearchVerifyCerts,
			MaxRetries:       cfg.ElasticsearchMaxRetries,
			ViewIndex:        cfg.ViewIndex,
			SQLPairIndex:     cfg.SQLPairIndex,
			InstructionIndex: cfg.InstructionIndex,
			TopK:             cfg.ViewMinScore,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Elasticsearch retriever unavailable")
		}
	}

	var histStore *history.Store
	if cfg.PostgresDSN != "" {
		var err error
		histStore, err = history.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Warn().Err(err).Msg("history store unavailable")
		} else if err := histStore.Migrate(ctx); err != nil {
			log.Warn().Err(err).Msg("history migration failed")
		}
		if histStore != nil {
			s.closers = append(s.closers, histStore.Close)
		}
	}

	var llmClient *llm.Client
	if cfg.AnthropicAPIKey != "" {
		llmClient = llm.NewClient(cfg.AnthropicAPIKey, cfg.Model, cfg.AnthropicBaseURL)
	} else {
		log.Warn().Msg("ANTHROPIC_API_KEY not set - conversation endpoints disabled")
	}

	// ─── Startup summary ────────────────────────────────────────────────────────
	log.Info().
		Bool("llm_enabled", llmClient != nil).
		Bool("dry_run_enabled", validator != nil).
		Bool("elasticsearch_enabled", esRetriever != nil).
		Bool("history_enabled", histStore != nil).
		Bool("auth_enabled", cfg.EnableAuth && len(cfg.APIKeys) > 0).
		Msg("service configuration")

	if cfg.EnableAuth && len(cfg.APIKeys) == 0 {
		log.Warn().Msg("WARNING: auth enabled but no API keys configured - all API requests will be rejected")
	}

	// ─── Conversation service ───────────────────────────────────────────────────
	var askH *handler.AskHandler
	if llmClient != nil {
		mdlStore := mdl.NewCache(mdl.NewFileStore(cfg.MDLDir))

		registry := pipeline.Registry{
			Intent:           llm.NewClassifier(llmClient),
			Schema:           mdl.NewRetriever(mdlStore, cfg.MaxTables),
			MisleadingAssist: llm.NewMisleadingAssistant(llmClient),
			DataAssist:       llm.NewDataAssistant(llmClient),
			UserGuideAssist:  llm.NewUserGuideAssistant(llmClient),

			Reasoner:         llm.NewReasoner(llmClient),
			FollowupReasoner: llm.NewFollowupReasoner(llmClient),

			Generator:         llm.NewGenerator(llmClient, validator),
			FollowupGenerator: llm.NewFollowupGenerator(llmClient, validator),
			Corrector:         llm.NewCorrector(llmClient, validator),

			Functions: engine.NewStaticFunctions(cfg.ExtraSQLFunctions),
		}
		if esRetriever != nil {
			registry.HistoricalQuestions = esRetriever
			registry.SQLPairs = esRetriever
			registry.Instructions = retrieval.Instructions{Retriever: esRetriever}
		} else {
			registry.HistoricalQuestions = emptyMatches{}
			registry.SQLPairs = emptyPairs{}
			registry.Instructions = emptyInstructions{}
		}

		eventManager := events.NewManager()
		var sink conversation.HistorySink
		if histStore != nil {
			sink = histStore
		}
		convSvc := conversation.NewService(eventManager, registry, sink, cfg.MaxHistories)
		streamer := stream.NewStreamer(eventManager,
			time.Duration(cfg.StreamReadTimeoutSec)*time.Second,
			time.Duration(cfg.StreamKeepAliveSec)*time.Second)

		var histReader handler.HistoryReader
		if histStore != nil {
			histReader = histStore
		}
		askH = handler.NewAskHandler(convSvc, streamer, histReader, cfg.MaxHistories)
	}

	checks := map[string]handler.HealthChecker{}
	if bqValidator != nil {
		checks["bigquery"] = bqValidator
	} else {
		checks["bigquery"] = nil
	}
	if esRetriever != nil {
		checks["elasticsearch"] = esRetriever
	} else {
		checks["elasticsearch"] = nil
	}
	if histStore != nil {
		checks["postgres"] = histStore
	} else {
		checks["postgres"] = nil
	}
	healthH := handler.NewHealthHandler(checks)

	// ─── Router ─────────────────────────────────────────────────────────────────
	r := chi.NewRouter()

	r.Use(middleware.Recovery)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSOrigins)))
	r.Use(chiMiddleware.RealIP)

	// Public routes
	r.Get("/health", healthH.Health)
	r.Get("/", healthH.Health)
	r.Handle("/metrics", promhttp.Handler())

	apiMiddleware := []func(http.Handler) http.Handler{
		middleware.RateLimit(cfg.RateLimitPerMinute),
	}
	if cfg.EnableAuth && len(cfg.APIKeys) > 0 {
		apiMiddleware = append(apiMiddleware, middleware.Auth(cfg.APIKeys, cfg.APIKeyHeader))
	}

	r.Group(func(r chi.Router) {
		for _, m := range apiMiddleware {
			r.Use(m)
		}

		r.Route(cfg.APIPrefix, func(r chi.Router) {
			if askH != nil {
				r.Post("/asks", askH.Create)
				r.Get("/asks/{query_id}/streaming", askH.Streaming)
				r.Get("/asks/{query_id}/result", askH.Result)
				r.Delete("/asks/{query_id}", askH.Stop)
			}
		})
	})

	return r, nil
}

// The empty* types stand in when no Elasticsearch cluster is configured: no
// historical matches, no examples, no extra instructions.
type (
	emptyMatches      struct{}
	emptyPairs        struct{}
	emptyInstructions struct{}
)

func (emptyMatches) Search(context.Context, string, string) ([]pipeline.HistoricalMatch, error) {
	return nil, nil
}

func (emptyPairs) Retrieve(context.Context, string, string) ([]pipeline.SQLPair, error) {
	return nil, nil
}

func (emptyInstructions) Retrieve(context.Context, string, string) ([]pipeline.Instruction, error) {
	return nil, nil
}
