package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"github.com/inkwell/draft-sync/config"
	"github.com/inkwell/draft-sync/proto"
	"github.com/inkwell/draft-sync/store"
	"github.com/inkwell/draft-sync/store/postgres"
	"github.com/inkwell/draft-sync/store/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

type closableStorage interface {
	store.SyncStorage
	Close() error
}

func main() {
	config, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	storage, err := openStorage(config)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer storage.Close()

	grpcListener, err := net.Listen("tcp", config.GrpcListenAddress)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	serverMetrics := grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram())
	registry.MustRegister(serverMetrics)

	quitChan := make(chan struct{})
	syncServer := NewPersistentSyncerServer(config, storage)
	syncServer.Start(quitChan)

	s, healthServer := CreateServer(config, syncServer, serverMetrics)
	httpServer := &http.Server{
		Addr:              config.HttpListenAddress,
		Handler:           CreateHTTPHandler(config, s, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		healthServer.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
		close(quitChan)
		s.GracefulStop()
	}()

	go func() {
		log.Printf("HTTP server listening at %s", config.HttpListenAddress)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	log.Printf("Server listening at %s", config.GrpcListenAddress)
	if err := s.Serve(grpcListener); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
	log.Println("Server stopped gracefully")
}

func openStorage(config *config.Config) (closableStorage, error) {
	if config.PgDatabaseUrl != "" {
		return postgres.NewPGSyncStorage(config.PgDatabaseUrl)
	}
	if err := os.MkdirAll(config.SQLiteDirPath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", config.SQLiteDirPath, err)
	}
	return sqlite.NewSQLiteSyncStorage(filepath.Join(config.SQLiteDirPath, "sync.db"))
}

func CreateServer(config *config.Config, syncServer proto.SyncerServer, metrics *grpcprom.ServerMetrics) (*grpc.Server, *health.Server) {
	opts := []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Second * 5,
			PermitWithoutStream: true,
		}),
	}
	if metrics != nil {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(metrics.UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(metrics.StreamServerInterceptor()),
		)
	}
	s := grpc.NewServer(opts...)
	proto.RegisterSyncerServer(s, syncServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(proto.Syncer_ServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, healthServer)

	if metrics != nil {
		metrics.InitializeMetrics(s)
	}
	return s, healthServer
}

// CreateHTTPHandler serves health and metrics endpoints and grpc-web for
// browser clients. Browser requests must carry the
// application/grpc-web+json content type.
func CreateHTTPHandler(config *config.Config, s *grpc.Server, gatherer prometheus.Gatherer) http.Handler {
	origins := config.AllowedOrigins()
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[origin] = struct{}{}
	}
	allowOrigin := func(origin string) bool {
		if _, ok := allowed["*"]; ok {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}

	wrapped := grpcweb.WrapServer(s, grpcweb.WithOriginFunc(allowOrigin))
	corsHandler := cors.New(cors.Options{
		AllowOriginFunc: allowOrigin,
		AllowedMethods:  []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders:  []string{"*"},
		ExposedHeaders:  []string{"grpc-status", "grpc-message"},
	}).Handler(wrapped)

	router := chi.NewRouter()
	router.Use(chimiddleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	router.Handle("/*", corsHandler)
	return router
}
