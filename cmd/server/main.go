package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/saqshy/saqshy/internal/action"
	"github.com/saqshy/saqshy/internal/analyzer"
	"github.com/saqshy/saqshy/internal/api"
	"github.com/saqshy/saqshy/internal/audit"
	"github.com/saqshy/saqshy/internal/breaker"
	"github.com/saqshy/saqshy/internal/cache"
	"github.com/saqshy/saqshy/internal/config"
	"github.com/saqshy/saqshy/internal/llm"
	"github.com/saqshy/saqshy/internal/messaging"
	"github.com/saqshy/saqshy/internal/metrics"
	"github.com/saqshy/saqshy/internal/pipeline"
	"github.com/saqshy/saqshy/internal/pkg/logger"
	"github.com/saqshy/saqshy/internal/repository/postgres"
	"github.com/saqshy/saqshy/internal/risk"
	"github.com/saqshy/saqshy/internal/spamdb"
	"github.com/saqshy/saqshy/internal/trust"
)

// groupSettings resolves per-group options: the database row wins, a chat
// without one falls back to the config file's entry (or the defaults).
type groupSettings struct {
	repo *postgres.GroupConfigRepo
	cfg  *config.Config
}

func (g *groupSettings) Settings(ctx context.Context, chatID int64) (config.GroupSettings, error) {
	s, found, err := g.repo.Lookup(ctx, chatID)
	if err != nil {
		return config.GroupSettings{}, err
	}
	if !found {
		return g.cfg.Group(chatID), nil
	}
	return s, nil
}

func (g *groupSettings) Upsert(ctx context.Context, chatID int64, s config.GroupSettings) error {
	return g.repo.Upsert(ctx, chatID, s)
}

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale/stub processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Circuit breakers share one config; each external dependency gets its
	// own so an LLM outage never shadows a Redis one.
	reg := breaker.NewRegistry()
	brkFor := func(name string) *breaker.Breaker {
		return reg.Register(breaker.Config{
			Name:             name,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown(),
		})
	}

	store, err := cache.NewFromURL(cfg.Redis.URL, brkFor("kv"))
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	// Decisions are append-only and must survive restarts; the audit store
	// is not optional.
	if !cfg.Database.Enabled || cfg.Database.URL == "" {
		log.Fatalf("DATABASE_URL is required: the audit trail has no in-memory fallback")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open Postgres: %v", err)
	}
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Postgres unreachable: %v", err)
	}
	pingCancel()

	decisionRepo := postgres.NewDecisionRepo(db)
	groupRepo := postgres.NewGroupConfigRepo(db)

	// Group settings resolve database first, config file second, defaults
	// last. The database row wins so admin API edits apply without a deploy.
	groups := &groupSettings{repo: groupRepo, cfg: cfg}
	lookupSettings := func(chatID int64) config.GroupSettings {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		settings, serr := groups.Settings(sctx, chatID)
		if serr != nil {
			return cfg.Group(chatID)
		}
		return settings
	}

	botClient := messaging.NewBotClient(messaging.Config{
		Token:   cfg.Telegram.Token,
		BaseURL: cfg.Telegram.BaseURL,
		Timeout: cfg.Telegram.Timeout(),
		Breaker: brkFor("messaging_client"),
	})
	subs := cache.NewSubscriptionCache(store, botClient, brkFor("subscription_checker"))

	var spamDB analyzer.SpamDatabase
	var reporter pipeline.SpamReporter
	if cfg.SpamDB.Enabled {
		spamDBClient := spamdb.New(spamdb.Config{
			BaseURL: cfg.SpamDB.BaseURL,
			APIKey:  cfg.SpamDB.APIKey,
			Timeout: cfg.SpamDB.Timeout(),
		}, brkFor("spam_db"))
		spamDB = spamDBClient
		reporter = spamDBClient
	} else {
		logger.Info("main: spam database disabled, network analyzer runs on cross-group signals only")
	}

	behavior := analyzer.NewBehaviorAnalyzer(store, subs, func(chatID int64) int64 {
		return lookupSettings(chatID).LinkedChannelID
	})
	network := analyzer.NewNetworkAnalyzer(spamDB, store.CrossGroup())

	calc, err := risk.NewCalculator()
	if err != nil {
		log.Fatalf("Failed to build risk calculator: %v", err)
	}

	var adjudicator llm.Adjudicator
	if cfg.LLM.Enabled {
		bedrock, berr := llm.NewBedrock(ctx, llm.Config{
			ModelID:     cfg.LLM.ModelID,
			Region:      cfg.LLM.Region,
			Timeout:     cfg.LLM.Timeout(),
			Temperature: cfg.LLM.Temperature,
		}, brkFor("llm"))
		if berr != nil {
			log.Fatalf("Failed to init Bedrock adjudicator: %v", berr)
		}
		adjudicator = bedrock
	} else {
		logger.Info("main: LLM disabled, gray-zone messages keep their rule-based verdict")
	}

	sink := metrics.NewPrometheus()
	trail := audit.NewTrail(decisionRepo, reg, sink)
	trustMgr := trust.NewManager(store, trust.Config{})
	notifier := action.NewAdminNotifier(botClient, func(chatID int64) int64 {
		return lookupSettings(chatID).AdminChatID
	})
	engine := action.NewEngine(botClient, store, notifier, action.Config{})

	pipe := pipeline.New(pipeline.Deps{
		Behavior:    behavior,
		Network:     network,
		Calculator:  calc,
		Adjudicator: adjudicator,
		Actions:     engine,
		Trust:       trustMgr,
		Audit:       trail,
		KV:          store,
		Client:      botClient,
		Settings:    groups,
		Reporter:    reporter,
		Sink:        sink,
	}, pipeline.Config{
		SoftDeadline:   cfg.Pipeline.SoftDeadline(),
		HardDeadline:   cfg.Pipeline.HardDeadline(),
		UserRateLimit:  cfg.RateLimit.UserPerWindow,
		GroupRateLimit: cfg.RateLimit.GroupPerWindow,
		RateWindowSecs: cfg.RateLimit.WindowSeconds,
		GrayZoneLow:    cfg.LLM.GrayZoneLow,
		GrayZoneHigh:   cfg.LLM.GrayZoneHigh,
	})

	server := api.NewServer(api.Deps{
		Pipeline:      pipe,
		KV:            store,
		Trail:         trail,
		Breakers:      reg,
		Groups:        groups,
		Trust:         trustMgr,
		WebhookSecret: cfg.Telegram.WebhookSecret,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("main: listening", "addr", httpServer.Addr)
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", serveErr)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("main: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("main: shutdown incomplete", "error", err)
	}
	cancel()
}
