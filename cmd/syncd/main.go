package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"

	"github.com/voyagetools/sheetbridge/internal/api"
	"github.com/voyagetools/sheetbridge/internal/cache"
	"github.com/voyagetools/sheetbridge/internal/config"
	"github.com/voyagetools/sheetbridge/internal/dbschema"
	"github.com/voyagetools/sheetbridge/internal/progress"
	"github.com/voyagetools/sheetbridge/internal/sheets"
	"github.com/voyagetools/sheetbridge/internal/syncer"
	"github.com/voyagetools/sheetbridge/internal/transform"
	"github.com/voyagetools/sheetbridge/internal/upsert"
	"github.com/voyagetools/sheetbridge/internal/validate"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

func main() {
	log.Println("sheetbridge syncd starting")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("database.url (or DATABASE_URL) is required")
	}

	// Destination database
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Database ping failed: %v", err)
	}
	pingCancel()
	log.Println("Database connected")

	// Optional Redis tier for the cache and progress snapshots
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed (%s): %v — continuing without the second tier", cfg.Redis.Addr, err)
			rdb = nil
		} else {
			log.Printf("Redis connected: %s", cfg.Redis.Addr)
		}
		cancel()
	}

	sharedCache := cache.New(cache.Options{
		TTL:           cfg.Cache.TTL(),
		Capacity:      cfg.Cache.Capacity,
		SweepInterval: cfg.Cache.SweepInterval(),
		Redis:         rdb,
	})
	defer sharedCache.Close()

	// Spreadsheet client
	var tokenSource oauth2.TokenSource
	if cfg.Sheets.RefreshToken != "" {
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.Sheets.ClientID,
			ClientSecret: cfg.Sheets.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.Sheets.TokenURL},
		}
		tokenSource = oauthCfg.TokenSource(context.Background(),
			&oauth2.Token{RefreshToken: cfg.Sheets.RefreshToken})
	} else {
		log.Println("Warning: no sheets refresh token configured; source requests will be unauthenticated")
	}
	client := sheets.NewClient(context.Background(), cfg.Sheets.BaseURL, tokenSource)
	client.SetTimeout(cfg.Sheets.Timeout())
	reader := sheets.NewReader(client, sharedCache)
	reader.Tune(cfg.Sync.ChunkSize, cfg.Sync.Parallelism, cfg.Sync.MaxRetries)

	// Pipeline stages
	introspector := dbschema.New(db, sharedCache)
	transformer := transform.New(nil)
	validator := validate.New(db)
	engine := upsert.New(db, introspector, nil)
	store := progress.NewStore(rdb)

	orchestrator := newReportingOrchestrator(reader, transformer, validator, engine, sharedCache, store)

	handlers := api.NewHandlers(orchestrator, reader, store, sharedCache)
	router := api.SetupRoutes(handlers, cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if rdb != nil {
		rdb.Close()
	}
	db.Close()

	log.Println("Server stopped")
}

// reportingOrchestrator attaches a per-job reporter (Redis snapshot +
// log mirror) before each run.
type reportingOrchestrator struct {
	reader      syncer.SheetReader
	transformer *transform.Transformer
	validator   syncer.RowValidator
	engine      syncer.Upserter
	cache       *cache.Cache
	store       *progress.Store
}

func newReportingOrchestrator(reader syncer.SheetReader, tr *transform.Transformer, v syncer.RowValidator, engine syncer.Upserter, c *cache.Cache, store *progress.Store) *reportingOrchestrator {
	return &reportingOrchestrator{
		reader: reader, transformer: tr, validator: v,
		engine: engine, cache: c, store: store,
	}
}

func (r *reportingOrchestrator) Run(ctx context.Context, job syncer.Job) (*syncer.Summary, error) {
	reporter := progress.Multi(r.store.Reporter(job.ID), progress.LogReporter(job.ID))
	o := syncer.New(r.reader, r.transformer, r.validator, r.engine, r.cache, reporter)
	return o.Run(ctx, job)
}
