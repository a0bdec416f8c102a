// Package server exposes the XRPC query and procedure surface, the
// change stream websocket, and the service identity endpoints.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/altsci/atdata/internal/auth"
	"github.com/altsci/atdata/internal/changestream"
	"github.com/altsci/atdata/internal/fetch"
	"github.com/altsci/atdata/internal/store"
)

const nsid = "science.alt.dataset"

// IdentityResolver resolves handles and DIDs against the network.
type IdentityResolver interface {
	ResolvePDS(ctx context.Context, did string) (string, error)
	ResolveHandle(ctx context.Context, handle string) (string, error)
}

// Server carries the request-path dependencies.
type Server struct {
	store    store.Store
	stream   *changestream.Stream
	fetcher  *fetch.Fetcher
	resolver IdentityResolver
	verifier auth.Verifier
	logger   *slog.Logger
	registry *prometheus.Registry

	serviceDID      string
	serviceEndpoint string
	devMode         bool

	pdsClient *http.Client
	upgrader  websocket.Upgrader

	// Fire-and-forget work (interaction telemetry) is tracked so
	// shutdown can wait for it.
	tasks sync.WaitGroup
}

// Options configures a Server.
type Options struct {
	Store           store.Store
	Stream          *changestream.Stream
	Fetcher         *fetch.Fetcher
	Resolver        IdentityResolver
	Verifier        auth.Verifier
	Logger          *slog.Logger
	Registry        *prometheus.Registry
	ServiceDID      string
	ServiceEndpoint string
	DevMode         bool
}

// New builds a Server.
func New(opts Options) *Server {
	return &Server{
		store:           opts.Store,
		stream:          opts.Stream,
		fetcher:         opts.Fetcher,
		resolver:        opts.Resolver,
		verifier:        opts.Verifier,
		logger:          opts.Logger,
		registry:        opts.Registry,
		serviceDID:      opts.ServiceDID,
		serviceEndpoint: opts.ServiceEndpoint,
		devMode:         opts.DevMode,
		pdsClient:       &http.Client{Timeout: 30 * time.Second},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The stream is public read; origin enforcement is left to
			// the deployment proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the fully routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Queries
	mux.HandleFunc("GET /xrpc/"+nsid+".getEntry", s.handleGetEntry)
	mux.HandleFunc("GET /xrpc/"+nsid+".getEntries", s.handleGetEntries)
	mux.HandleFunc("GET /xrpc/"+nsid+".getSchema", s.handleGetSchema)
	mux.HandleFunc("GET /xrpc/"+nsid+".getIndex", s.handleGetIndex)
	mux.HandleFunc("GET /xrpc/"+nsid+".listEntries", s.handleListEntries)
	mux.HandleFunc("GET /xrpc/"+nsid+".listSchemas", s.handleListSchemas)
	mux.HandleFunc("GET /xrpc/"+nsid+".listLabels", s.handleListLabels)
	mux.HandleFunc("GET /xrpc/"+nsid+".listLenses", s.handleListLenses)
	mux.HandleFunc("GET /xrpc/"+nsid+".listIndexes", s.handleListIndexes)
	mux.HandleFunc("GET /xrpc/"+nsid+".resolveLabel", s.handleResolveLabel)
	mux.HandleFunc("GET /xrpc/"+nsid+".resolveSchema", s.handleResolveSchema)
	mux.HandleFunc("GET /xrpc/"+nsid+".resolveBlobs", s.handleResolveBlobs)
	mux.HandleFunc("GET /xrpc/"+nsid+".searchDatasets", s.handleSearchDatasets)
	mux.HandleFunc("GET /xrpc/"+nsid+".searchLenses", s.handleSearchLenses)
	mux.HandleFunc("GET /xrpc/"+nsid+".describeService", s.handleDescribeService)

	// Procedures
	mux.HandleFunc("POST /xrpc/"+nsid+".publishSchema", s.handlePublishSchema)
	mux.HandleFunc("POST /xrpc/"+nsid+".publishDataset", s.handlePublishDataset)
	mux.HandleFunc("POST /xrpc/"+nsid+".publishLabel", s.handlePublishLabel)
	mux.HandleFunc("POST /xrpc/"+nsid+".publishLens", s.handlePublishLens)
	mux.HandleFunc("POST /xrpc/"+nsid+".publishIndex", s.handlePublishIndex)
	mux.HandleFunc("POST /xrpc/"+nsid+".sendInteractions", s.handleSendInteractions)

	// Real-time stream
	mux.HandleFunc("GET /xrpc/"+nsid+".subscribeChanges", s.handleSubscribeChanges)

	// Service identity and operations
	mux.HandleFunc("GET /.well-known/did.json", s.handleDIDDocument)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	return s.withRequestID(s.withLogging(mux))
}

// Wait blocks until all tracked background tasks finish.
func (s *Server) Wait() {
	s.tasks.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDIDDocument(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"@context": []string{"https://www.w3.org/ns/did/v1"},
		"id":       s.serviceDID,
		"service": []map[string]string{
			{
				"id":              "#atproto_appview",
				"type":            "AtprotoAppView",
				"serviceEndpoint": s.serviceEndpoint,
			},
		},
	})
}
