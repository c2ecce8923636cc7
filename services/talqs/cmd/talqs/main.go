package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"talqs/internal/ratelimit"
	"talqs/internal/util"
	"talqs/pkg/ai"
	"talqs/pkg/docstore"
	"talqs/pkg/extract"
	"talqs/pkg/identity"
	"talqs/pkg/localstate"
	"talqs/pkg/queue"
	"talqs/pkg/storage"
	"talqs/pkg/store"
	"talqs/services/talqs/internal/app"
	"talqs/services/talqs/internal/config"
	"talqs/services/talqs/internal/security"
	"talqs/services/talqs/internal/server"
	"talqs/services/talqs/internal/worker"
)

const rateWindow = time.Minute

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel, "talqs")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		cancel()
	}()

	var rdb redis.UniversalClient
	if cfg.NeedsRedis() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			util.Fatal("redis unavailable", "addr", cfg.RedisAddr, "err", err)
		}
		pingCancel()
	}

	var st store.Store
	switch cfg.Store {
	case config.BackendPostgres:
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			util.Fatal("failed to init postgres store", "err", err)
		}
		defer gormStore.Close()
		st = gormStore
	default:
		st = store.NewMemoryStore()
	}

	sessions, err := buildSessions(cfg, rdb)
	if err != nil {
		util.Fatal("failed to init sessions", "err", err)
	}
	clientState, err := buildClientState(cfg, rdb)
	if err != nil {
		util.Fatal("failed to init client state", "err", err)
	}
	docs, err := buildDocStore(ctx, cfg, rdb)
	if err != nil {
		util.Fatal("failed to init document store", "err", err)
	}
	jobs, err := buildQueue(cfg, rdb)
	if err != nil {
		util.Fatal("failed to init job queue", "err", err)
	}

	var archive storage.Archive
	if cfg.Archive.Endpoint != "" {
		minioStore, err := storage.NewMinioStore(cfg.Archive.Endpoint, cfg.Archive.AccessKey, cfg.Archive.SecretKey, cfg.Archive.Bucket, cfg.Archive.UseSSL)
		if err != nil {
			util.Fatal("failed to init archive", "err", err)
		}
		archive = minioStore
	}

	summarizer, answerer, questions, err := buildModels(cfg)
	if err != nil {
		util.Fatal("failed to init model clients", "err", err)
	}

	appCore, err := app.New(app.Config{
		Store:          st,
		Sessions:       sessions,
		Docs:           docs,
		Archive:        archive,
		Queue:          jobs,
		Extractor:      extract.New(cfg.AllowedExtensions...),
		Summarizer:     summarizer,
		Answerer:       answerer,
		Questions:      questions,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	proxies, err := util.ParseProxyAllowlist(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("invalid trusted proxies", "err", err)
	}
	sessionTTL, _ := config.ParseDuration("sessionTTL", cfg.SessionTTL)
	srvCfg := server.Config{
		App:            appCore,
		Resolver:       identity.Default(sessions, st),
		ClientState:    clientState,
		CORSOrigins:    cfg.CORSOrigins,
		TrustedProxies: proxies,
		CookieSecure:   cfg.CookieSecure,
		SessionTTL:     sessionTTL,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}
	for _, l := range []struct {
		dst   *ratelimit.Limiter
		name  string
		limit int
	}{
		{&srvCfg.SignupLimiter, "signup", cfg.SignupRateLimitPerMinute},
		{&srvCfg.LoginLimiter, "login", cfg.LoginRateLimitPerMinute},
		{&srvCfg.UploadLimiter, "upload", cfg.UploadRateLimitPerMinute},
	} {
		limiter, err := buildLimiter(rdb, l.name, l.limit)
		if err != nil {
			util.Fatal("failed to init rate limiter", "name", l.name, "err", err)
		}
		*l.dst = limiter
	}
	if rdb != nil {
		srvCfg.Alerter = security.NewRedisAlerter(rdb, "talqs:alerts")
	}

	worker.Start(util.ContextWithLogger(ctx, logger.With("component", "worker")), appCore.Queue(), appCore, cfg.WorkerConcurrency)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.New(srvCfg).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("talqs server listening", "addr", addr, "store", cfg.Store, "local_state", cfg.LocalState, "doc_store", cfg.DocStore, "sessions", cfg.Sessions, "queue", cfg.Queue)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
	slog.Info("talqs server stopped")
}

func buildSessions(cfg config.FileConfig, rdb redis.UniversalClient) (store.SessionStore, error) {
	ttl, err := config.ParseDuration("sessionTTL", cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	if cfg.Sessions == config.BackendRedis {
		return store.NewRedisSessionStore(rdb, ttl), nil
	}
	leeway, err := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	if err != nil {
		return nil, err
	}
	var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
	if rdb != nil {
		revoker = store.NewRedisTokenRevoker(rdb, ttl)
	}
	return store.NewJWTSessionStore(cfg.SessionSecret, ttl, revoker, store.JWTOptions{Leeway: leeway})
}

func buildClientState(cfg config.FileConfig, rdb redis.UniversalClient) (localstate.KV, error) {
	if cfg.LocalState != config.BackendRedis {
		return localstate.NewMemoryKV(), nil
	}
	ttl, err := config.ParseDuration("localStateTTL", cfg.LocalStateTTL)
	if err != nil {
		return nil, err
	}
	return localstate.NewRedisKV(rdb, "talqs:client:", ttl)
}

func buildDocStore(ctx context.Context, cfg config.FileConfig, rdb redis.UniversalClient) (docstore.Store, error) {
	ttl, err := config.ParseDuration("documentTTL", cfg.DocumentTTL)
	if err != nil {
		return nil, err
	}
	if cfg.DocStore == config.BackendRedis {
		return docstore.NewRedisStore(rdb, "talqs:doc:", ttl, cfg.DocumentMaxBytes)
	}
	mem := docstore.NewMemoryStore(docstore.MemoryOptions{
		TTL:        ttl,
		MaxEntries: cfg.DocumentMaxEntries,
		MaxBytes:   cfg.DocumentMaxBytes,
	})
	go mem.Run(ctx)
	return mem, nil
}

func buildQueue(cfg config.FileConfig, rdb redis.UniversalClient) (queue.JobQueue, error) {
	if cfg.Queue == config.BackendRedis {
		return queue.NewRedisJobQueue(rdb, queue.RedisQueueConfig{})
	}
	return queue.NewMemoryJobQueue(0, 0, 2*time.Second), nil
}

func buildModels(cfg config.FileConfig) (*ai.FallbackSummarizer, *ai.FallbackAnswerer, ai.QuestionLister, error) {
	summarizer := &ai.FallbackSummarizer{}
	answerer := &ai.FallbackAnswerer{}
	var questions ai.QuestionLister
	if cfg.SummarizerURL != "" {
		summarizer.Remote = ai.NewSummaryClient(cfg.SummarizerURL)
	}
	if cfg.QAServerURL != "" {
		qa := ai.NewQAClient(cfg.QAServerURL)
		answerer.Remote = qa
		answerer.Bulk = qa
		questions = qa
	}
	gen, err := ai.NewGenerator(cfg.Generator.Provider, cfg.Generator.BaseURL, cfg.Generator.APIKey, cfg.Generator.Model)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generator: %w", err)
	}
	if gen != nil {
		summarizer.Generator = ai.NewGeneratorSummarizer(gen)
		answerer.Generator = ai.NewGeneratorAnswerer(gen)
	}
	return summarizer, answerer, questions, nil
}

func buildLimiter(rdb redis.UniversalClient, name string, limit int) (ratelimit.Limiter, error) {
	if limit <= 0 {
		return nil, nil
	}
	if rdb != nil {
		return ratelimit.NewRedisFixedWindowLimiter(rdb, "talqs:rl:"+name, limit, rateWindow)
	}
	return ratelimit.NewMemoryFixedWindowLimiter(limit, rateWindow)
}
