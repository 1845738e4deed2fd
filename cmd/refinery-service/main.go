package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/refineryhq/refinery/internal/audit"
	"github.com/refineryhq/refinery/internal/auth"
	"github.com/refineryhq/refinery/internal/commit"
	"github.com/refineryhq/refinery/internal/config"
	"github.com/refineryhq/refinery/internal/harness"
	"github.com/refineryhq/refinery/internal/httpserver"
	"github.com/refineryhq/refinery/internal/monitor"
	"github.com/refineryhq/refinery/internal/orchestrator"
	"github.com/refineryhq/refinery/internal/proposal"
	"github.com/refineryhq/refinery/internal/registry"
	"github.com/refineryhq/refinery/internal/signer"
	"github.com/refineryhq/refinery/internal/store"
	"github.com/refineryhq/refinery/internal/versionstore"
)

func main() {
	runMonitor := flag.Bool("run-monitor", true, "start the monitoring loop")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		st         store.Store
		auditStore audit.Store
		pgAudit    *audit.PGStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		pg := store.NewPGStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("store schema: %v", err)
		}
		st = pg
		pgAudit = audit.NewPGStore(db)
		if err := pgAudit.EnsureSchema(ctx); err != nil {
			log.Fatalf("audit schema: %v", err)
		}
		auditStore = pgAudit
	} else {
		lite, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("sqlite open: %v", err)
		}
		defer lite.Close()
		st = lite
		auditStore = audit.NewFileStore(cfg.AuditDir)
	}

	var archive versionstore.Store
	if cfg.S3Bucket != "" {
		s3store, err := versionstore.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region)
		if err != nil {
			log.Fatalf("s3 archive init: %v", err)
		}
		archive = s3store
	} else {
		fileStore, err := versionstore.NewFileStore(cfg.ArchiveDir)
		if err != nil {
			log.Fatalf("archive init: %v", err)
		}
		archive = fileStore
	}

	var sg *signer.Ed25519Signer
	if cfg.SignerKeyB64 != "" {
		sg, err = signer.NewEd25519SignerFromB64(cfg.SignerKeyB64, cfg.SignerID)
		if err != nil {
			log.Fatalf("signer init: %v", err)
		}
	} else {
		log.Printf("[startup] no signer key configured, using an ephemeral key")
		sg = signer.NewEphemeralSigner(cfg.SignerID)
	}
	recorder := audit.NewRecorder(auditStore, sg)

	reg := registry.Default()
	if cfg.RegistryPath != "" {
		reg, err = registry.LoadFile(cfg.RegistryPath)
		if err != nil {
			log.Fatalf("registry load: %v", err)
		}
	}

	var scorer harness.Scorer = harness.NewHeuristicScorer()
	if cfg.ScorerURL != "" {
		httpScorer, err := harness.NewHTTPScorer(harness.HTTPScorerConfig{
			BaseURL: cfg.ScorerURL,
			Timeout: cfg.ScorerTimeout,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("scorer init: %v", err)
		}
		scorer = httpScorer
	}

	var generator proposal.Generator = proposal.NewStaticGenerator()
	if cfg.GeneratorURL != "" {
		httpGen, err := proposal.NewHTTPGenerator(proposal.HTTPGeneratorConfig{BaseURL: cfg.GeneratorURL})
		if err != nil {
			log.Fatalf("generator init: %v", err)
		}
		generator = httpGen
	} else {
		log.Printf("[startup] no generator configured, cycles will finish NO_PROPOSAL")
	}

	h := harness.New(reg, scorer, cfg.FrozenTargets)
	engine := proposal.NewEngine(generator, cfg.FrozenTargets, cfg.MaxEdits)
	manager := commit.NewManager(st, archive, recorder, commit.ManagerConfig{
		WindowDuration:  cfg.WindowDuration,
		RecheckInterval: cfg.RecheckInterval,
	})
	orch := orchestrator.New(st, engine, h, manager, recorder, cfg.FrozenTargets)

	if shouldRunMonitor(*runMonitor) {
		mon := monitor.New(st, h, orch, recorder, monitor.Config{
			PollInterval:      cfg.MonitorPoll,
			BatchSize:         cfg.MonitorBatch,
			MaxConcurrency:    cfg.MonitorConcurrency,
			RecheckInterval:   cfg.RecheckInterval,
			AlertThresholdPct: cfg.AlertThresholdPct,
		})
		go mon.Run(ctx)
	}

	if len(cfg.KafkaBrokers) > 0 {
		if pgAudit == nil {
			log.Printf("[startup] audit streaming requires the Postgres audit store, skipping")
		} else {
			producer, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
				Brokers: cfg.KafkaBrokers,
				Topic:   cfg.KafkaTopic,
			})
			if err != nil {
				log.Fatalf("kafka producer init: %v", err)
			}
			var archiver audit.Archiver
			if cfg.S3Bucket != "" {
				archiver, err = audit.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region)
				if err != nil {
					log.Fatalf("s3 archiver init: %v", err)
				}
			}
			streamer := audit.NewStreamer(pgAudit, producer, archiver, audit.StreamerConfig{})
			go streamer.Run(ctx)
		}
	}

	verifier, err := auth.NewVerifier(auth.Options{
		KeysFile:      cfg.ReviewKeysFile,
		Scope:         cfg.ReviewScope,
		DevAllowLocal: cfg.DevAllowLocal,
	})
	if err != nil {
		log.Fatalf("auth init: %v", err)
	}

	server := httpserver.New(cfg, st, auditStore, recorder, orch, verifier)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("Refinery service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func shouldRunMonitor(flagValue bool) bool {
	if v := os.Getenv("REFINERY_MONITOR"); v != "" {
		enabled, err := strconv.ParseBool(v)
		return err == nil && enabled
	}
	return flagValue
}
