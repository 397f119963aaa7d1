package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/psturc/coverage-processor/bundle"
	"github.com/psturc/coverage-processor/config"
	"github.com/psturc/coverage-processor/credentials"
	"github.com/psturc/coverage-processor/gitsource"
	"github.com/psturc/coverage-processor/handlers"
	"github.com/psturc/coverage-processor/history"
	"github.com/psturc/coverage-processor/metrics"
	"github.com/psturc/coverage-processor/pipeline"
	"github.com/psturc/coverage-processor/provenance"
	"github.com/psturc/coverage-processor/remap"
	"github.com/psturc/coverage-processor/runqueue"
	"github.com/psturc/coverage-processor/upload"
)

// version is set at build time via ldflags
var version = "dev"

type InfoResponse struct {
	Component string `json:"component"`
	Version   string `json:"version"`
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Workers   int    `json:"workers"`
}

type ProcessorInfo struct {
	workers int
}

func (p *ProcessorInfo) GetInfo() interface{} {
	hostname, _ := os.Hostname()

	return InfoResponse{
		Component: "coverage-processor",
		Version:   version,
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Workers:   p.workers,
	}
}

func main() {
	// Load configuration from file with environment variable overrides
	cfg, err := config.LoadConfigWithDefaults()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("coverage-processor v%s starting", version)
	log.Printf("Configuration: port=%s, db_path=%s, workers=%d, verify_attestations=%v",
		cfg.Port, cfg.DBPath, cfg.Workers, cfg.VerifyAttestations)

	if err := os.MkdirAll(cfg.ScratchRoot, 0o755); err != nil {
		log.Fatalf("Failed to create scratch root %s: %v", cfg.ScratchRoot, err)
	}

	// Initialize run history database
	db, err := history.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Error initializing database: %v", err)
	}
	defer func() { _ = db.Close() }()

	// Attestation verification key
	var verifier provenance.EnvelopeVerifier
	if cfg.VerifyAttestations {
		verifier, err = provenance.NewKeyVerifierFromFile(cfg.PublicKeyPath)
		if err != nil {
			log.Fatalf("Failed to load attestation public key: %v", err)
		}
	} else {
		log.Println("Warning: attestation verification DISABLED")
		verifier = provenance.NoopVerifier{}
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry metrics if enabled
	var m *metrics.Metrics
	if cfg.OTELEnabled {
		log.Printf("Initializing OpenTelemetry metrics exporter (endpoint: %s, interval: %v)",
			cfg.OTELEndpoint, cfg.OTELPushInterval)
		m, err = metrics.New(ctx, version, metrics.Config{
			Endpoint:     cfg.OTELEndpoint,
			PushInterval: cfg.OTELPushInterval,
			Insecure:     cfg.OTELInsecure,
		})
		if err != nil {
			log.Printf("Warning: Failed to initialize OTEL exporter: %v (continuing without OTEL)", err)
			m = nil
		}
	}

	// Assemble the pipeline from its concrete steps
	keys := provenance.AnnotationKeys{
		RepoURL:   cfg.RepoURLAnnotation,
		CommitSHA: cfg.CommitSHAAnnotation,
	}
	proc := pipeline.New(
		bundle.NewFetcher(),
		provenance.NewResolver(keys, verifier),
		gitsource.NewMaterializer(),
		remap.NewRemapper(cfg.GoBinary),
		upload.NewUploader(cfg.UploadPath),
		credentials.DefaultLookup(cfg.SecretNamespace, cfg.SecretName),
		cfg.ProjectKey,
	)

	// Start the job queue workers
	queue := runqueue.New(proc, db, m, cfg.ScratchRoot, cfg.Workers, cfg.JobTimeout)
	defer queue.Shutdown()

	// Setup HTTP server
	infoProvider := &ProcessorInfo{workers: cfg.Workers}

	mux := http.NewServeMux()
	handlers.RegisterHandlers(mux, infoProvider, queue, db)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("coverage-processor listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	log.Println("Shutdown signal received, shutting down gracefully...")

	cancel()

	// Shutdown OTEL exporter if running
	if m != nil {
		log.Println("Shutting down OpenTelemetry exporter...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down OTEL exporter: %v", err)
		}
		shutdownCancel()
	}

	// Shutdown HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("coverage-processor stopped")
}
