// Command nexusd runs the approval-and-attestation control plane: the HTTP
// API in pkg/server, the XRPL witness worker loop, and (if configured) the
// Firestore live-sync projector.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexusctl/core/internal/livesync"
	"github.com/nexusctl/core/internal/pgstore"
	"github.com/nexusctl/core/internal/signerref"
	"github.com/nexusctl/core/internal/telemetry"
	"github.com/nexusctl/core/internal/xrplrpc"
	"github.com/nexusctl/core/pkg/attestqueue"
	"github.com/nexusctl/core/pkg/config"
	"github.com/nexusctl/core/pkg/eventstore"
	"github.com/nexusctl/core/pkg/exchangestore"
	"github.com/nexusctl/core/pkg/server"
	"github.com/nexusctl/core/pkg/templatestore"
	"github.com/nexusctl/core/pkg/xrpl"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		devMode  = flag.Bool("dev", false, "relax config validation for local development")
		showHelp = flag.Bool("help", false, "show help message")
	)
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	log.Println("starting nexusd")

	cfg := config.Load()
	if *devMode {
		if err := cfg.ValidateForDevelopment(); err != nil {
			log.Fatalf("invalid configuration: %v", err)
		}
	} else {
		if err := cfg.Validate(); err != nil {
			log.Fatalf("invalid configuration: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Println("connecting to Postgres...")
	pg, err := pgstore.Open(ctx, pgstore.Config{
		URL:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DatabaseMaxConns,
		MaxIdleConns:    cfg.DatabaseMaxIdle,
		ConnMaxLifetime: cfg.DatabaseConnMaxAge,
	}, pgstore.WithLogger(log.New(log.Writer(), "[pgstore] ", log.LstdFlags)))
	if err != nil {
		log.Fatalf("connect to Postgres: %v", err)
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		log.Fatalf("run migrations: %v", err)
	}
	log.Println("Postgres connected and migrated")

	events := eventstore.New(pg)
	queue := attestqueue.New(pg)
	templates := templatestore.New(pg)

	var exchangeOpts []exchangestore.Option
	if cfg.ExchangeBodyRoot != "" {
		exchangeOpts = append(exchangeOpts, exchangestore.WithBodyRoot(cfg.ExchangeBodyRoot))
		log.Printf("XRPL exchange bodies persisted under %s", cfg.ExchangeBodyRoot)
	} else {
		log.Println("EXCHANGE_BODY_ROOT not set; XRPL exchanges indexed but bodies not persisted")
	}
	exchanges := exchangestore.New(pg, exchangeOpts...)

	metricsRegistry := prometheus.NewRegistry()
	metrics, err := telemetry.New(metricsRegistry)
	if err != nil {
		log.Fatalf("register metrics: %v", err)
	}

	var sync *livesync.Client
	if cfg.FirestoreEnabled {
		sync, err = livesync.NewClient(ctx, &livesync.Config{
			ProjectID:       cfg.FirestoreProject,
			CredentialsFile: cfg.FirestoreCredPath,
			Enabled:         true,
			Logger:          log.New(log.Writer(), "[livesync] ", log.LstdFlags),
		})
		if err != nil {
			log.Fatalf("initialize Firestore live-sync: %v", err)
		}
		log.Println("Firestore live-sync enabled")
	} else {
		sync, _ = livesync.NewClient(ctx, nil)
		log.Println("Firestore live-sync disabled (set FIRESTORE_ENABLED=true to enable)")
	}
	defer sync.Close()

	var signer xrpl.Signer
	if cfg.SignerKeyPath != "" {
		switch cfg.SignerAlgorithm {
		case "secp256k1":
			signer, err = signerref.LoadSecp256k1FromFile(cfg.SignerKeyPath, cfg.SignerKeyID)
		default:
			signer, err = signerref.LoadFromFile(cfg.SignerKeyPath, cfg.SignerKeyID)
		}
		if err != nil {
			log.Fatalf("load XRPL signer key: %v", err)
		}
		log.Printf("XRPL signer loaded: algorithm=%s key_id=%s account=%s", cfg.SignerAlgorithm, signer.KeyID(), signer.Account())
	} else {
		log.Println("no SIGNER_KEY_PATH configured; XRPL witness worker disabled")
	}

	xrplClient := xrplrpc.New(cfg.XRPLRPCURL, 20*time.Second, exchanges)

	apiServer := server.New(events, queue, templates, log.New(log.Writer(), "[api] ", log.LstdFlags))

	apiHTTPServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     apiServer.Handler(),
		ReadTimeout: cfg.ReadTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
	metricsHTTPServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}

	go func() {
		log.Printf("API listening on %s", cfg.ListenAddr)
		if err := apiHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server failed: %v", err)
		}
	}()

	if signer != nil && cfg.XRPLAccount != "" {
		go runWitnessWorker(ctx, queue, xrplClient, signer, cfg.XRPLAccount, cfg.XRPLSubmitRetry, metrics, sync,
			log.New(log.Writer(), "[witness] ", log.LstdFlags))
	}

	log.Println("nexusd ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down nexusd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiHTTPServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("API server shutdown error: %v", err)
	}
	if err := metricsHTTPServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	log.Println("nexusd stopped")
}

// runWitnessWorker drives the XRPL witness pipeline's one-cycle-at-a-time
// worker loop (pkg/xrpl.ProcessOne) on a fixed interval until ctx is
// cancelled, recording telemetry and optionally live-syncing queue status.
func runWitnessWorker(ctx context.Context, queue *attestqueue.Store, client xrpl.Client, signer xrpl.Signer, account string, interval time.Duration, metrics *telemetry.Metrics, sync *livesync.Client, logger *log.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			receipts, err := xrpl.ProcessOne(ctx, queue, client, signer, account, time.Now().UTC())
			if err != nil {
				logger.Printf("witness cycle error: %v", err)
				continue
			}
			for _, r := range receipts {
				metrics.ReceiptsByStatus.WithLabelValues(string(r.Status)).Inc()
				if sync != nil {
					qi, statusErr := queue.GetStatus(ctx, "sha256:"+r.IntentDigest)
					if statusErr == nil && qi != nil {
						if syncErr := sync.ProjectQueuedIntent(ctx, qi); syncErr != nil {
							logger.Printf("live-sync projection failed: %v", syncErr)
						}
					}
				}
			}
		}
	}
}

func printHelp() {
	fmt.Println(`nexusd - approval-and-attestation control plane

Usage:
  nexusd [flags]

Flags:
  -dev    relax config validation for local development
  -help   show this message

Configuration is read entirely from the environment; see pkg/config for the
full list of variables and their defaults.`)
}
