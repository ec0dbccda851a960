package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/kiegate/internal/api"
	"github.com/gaspardpetit/kiegate/internal/config"
	"github.com/gaspardpetit/kiegate/internal/inflight"
	"github.com/gaspardpetit/kiegate/internal/mcpserver"
	"github.com/gaspardpetit/kiegate/internal/metrics"
)

// Options carries the runtime dependencies of the HTTP handler.
type Options struct {
	Upstream api.Upstream
	// Inflight counts upstream-facing requests for draining. A private
	// counter is used when nil.
	Inflight *inflight.Counter
	Version  string
}

// New constructs the HTTP handler for the server.
func New(cfg config.ServerConfig, opts Options) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{api.RequestIDHeader},
			AllowCredentials: true,
		}))
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}

	counter := opts.Inflight
	if counter == nil {
		counter = &inflight.Counter{}
	}

	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	preg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(preg)
	metrics.SetInflightSource(counter.Load)

	defaultPrompt := cfg.DefaultPrompt
	if defaultPrompt == "" {
		defaultPrompt = api.DefaultPrompt
	}
	impl := &api.API{
		Upstream:      opts.Upstream,
		DefaultPrompt: defaultPrompt,
		PollInterval:  cfg.PollInterval,
		PollAttempts:  cfg.PollAttempts,
	}
	wrapper := api.ServerInterfaceWrapper{Handler: impl}

	r.Get("/healthz", wrapper.GetHealthz)
	r.Get("/openapi.json", api.OpenAPIHandler())
	r.Get("/docs", api.SwaggerHandler())

	r.Group(func(g chi.Router) {
		g.Use(counter.Middleware)
		g.Post("/generate", wrapper.PostGenerate)
		g.Post("/tasks", wrapper.PostTasks)
		g.Get("/tasks/{taskId}", wrapper.GetTasksTaskId)
		g.Get("/tasks/{taskId}/result", wrapper.GetTasksTaskIdResult)
	})

	// MCP sessions hold long-lived streams and are not counted for draining.
	if cfg.MCPEnabled {
		r.Handle("/mcp", mcpserver.NewHandler(opts.Upstream, defaultPrompt, opts.Version))
	}

	if cfg.MetricsOnMainPort() {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}

	if cfg.StaticDir != "" {
		r.Get("/*", http.FileServer(http.Dir(cfg.StaticDir)).ServeHTTP)
	}

	return r
}

// MetricsHandler serves the registry installed by the last call to New.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}
