// Package router assembles the HTTP surface: OpenAI-compatible inference
// routes, the WebSocket event feed, health and Prometheus metrics.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/handlers"
	"github.com/hadrianai/hadrian/internal/middleware"
	"github.com/hadrianai/hadrian/internal/services/auth"
	"github.com/hadrianai/hadrian/internal/services/circuitbreaker"
	"github.com/hadrianai/hadrian/internal/services/dispatch"
	"github.com/hadrianai/hadrian/internal/services/events"
)

// Deps carries everything the router wires together. Keys and Sessions may
// be nil, which disables API authentication.
type Deps struct {
	Config   *config.Config
	Logger   *zap.Logger
	Pipeline *dispatch.Pipeline
	Breakers *circuitbreaker.Registry
	Redis    *redis.Client
	Bus      *events.Bus
	Keys     *auth.KeyCache
	Sessions auth.SessionStore
}

func New(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Metrics())

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.CORS.AllowedOrigins,
		AllowedMethods:   deps.Config.CORS.AllowedMethods,
		AllowedHeaders:   deps.Config.CORS.AllowedHeaders,
		ExposedHeaders: []string{
			dispatch.HeaderCache, dispatch.HeaderCacheSimilarity, dispatch.HeaderCachedAt,
			dispatch.HeaderProvider, dispatch.HeaderProviderSource, dispatch.HeaderModel,
		},
		AllowCredentials: deps.Config.CORS.AllowCredentials,
		MaxAge:           deps.Config.CORS.MaxAge,
	}))

	healthHandler := handlers.NewHealthHandler(deps.Breakers, deps.Redis)
	r.Get("/health", healthHandler.Check)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	wsHandler := handlers.NewWSHandler(deps.Bus, deps.Keys, deps.Sessions, deps.Config.WebSocket, deps.Logger)
	r.Get("/ws", wsHandler.Serve)

	llmHandler := handlers.NewLLMHandler(deps.Pipeline, deps.Logger)
	modelsHandler := handlers.NewModelsHandler(deps.Pipeline, deps.Logger)

	mount := func(r chi.Router) {
		// HandleFunc keeps the Flusher reachable for SSE responses.
		r.HandleFunc("/chat/completions", llmHandler.ChatCompletions)
		r.Post("/responses", llmHandler.Responses)
		r.Post("/completions", llmHandler.Completions)
		r.Post("/embeddings", llmHandler.Embeddings)
		r.Get("/models", modelsHandler.List)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(deps.Keys, deps.Logger))
		r.Route("/v1", mount)
		r.Route("/api/v1", mount)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"not found"}}`))
	})

	return r
}
