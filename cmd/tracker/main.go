package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/confluence-tracker/pkg/alert"
	"github.com/confluence-tracker/pkg/config"
	"github.com/confluence-tracker/pkg/confluence"
	"github.com/confluence-tracker/pkg/dashboard"
	"github.com/confluence-tracker/pkg/db"
	"github.com/confluence-tracker/pkg/directory"
	"github.com/confluence-tracker/pkg/queue"
	"github.com/confluence-tracker/pkg/router"
	"github.com/confluence-tracker/pkg/telegram"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	log.Info().Msg("🚨 Confluence Tracker starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config invalid")
	}

	store, err := db.NewStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("database init failed")
	}
	defer store.Close()

	dir, err := directory.New(store, cfg.DefaultMinWallets, cfg.DefaultWindowMinutes)
	if err != nil {
		log.Fatal().Err(err).Msg("directory init failed")
	}

	engine := confluence.NewEngine(dir.Settings, store)
	sinks := alert.NewMultiSink(
		alert.NewTelegramSink(cfg.TelegramBotToken),
		alert.NewDiscordSink(cfg.DiscordBotToken, cfg.DiscordChannelID),
	)
	defer sinks.Close()

	pipeline := &confluence.Pipeline{Store: store, Engine: engine, Alerts: sinks}
	q := queue.New(pipeline, cfg.QueueWorkers)
	rt := router.New(dir, q, cfg.BotHandle)
	sessions := telegram.NewManager(cfg, rt.Handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down...")
		cancel()
	}()

	sched := cron.New()
	sched.AddFunc(fmt.Sprintf("@every %s", cfg.DirectoryRefresh), func() {
		// trackerctl edits subscriptions out-of-process; the refresh
		// picks them up and clears window state the tenant dropped.
		prev := activePairs(dir)
		if err := dir.Refresh(); err != nil {
			log.Error().Err(err).Msg("directory refresh failed")
			return
		}
		cur := activePairs(dir)
		remaining := map[int64]bool{}
		for p := range cur {
			remaining[p.tenant] = true
		}
		for p := range prev {
			if cur[p] {
				continue
			}
			engine.EvictTracker(p.tenant, p.tracker)
			log.Info().Int64("tenant", p.tenant).Str("tracker", p.tracker).
				Msg("➖ tracker windows evicted")
			if !remaining[p.tenant] {
				engine.EvictTenant(p.tenant)
				if n := q.DropTenant(p.tenant); n > 0 {
					log.Info().Int64("tenant", p.tenant).Int("jobs", n).
						Msg("🧹 dropped queued jobs for removed tenant")
				}
			}
		}
	})
	sched.AddFunc(fmt.Sprintf("@every %s", cfg.SweepInterval), func() {
		if n := engine.Sweep(time.Now()); n > 0 {
			log.Debug().Int("evicted", n).Msg("🧹 window sweep")
		}
	})
	sched.AddFunc("@every 1h", func() {
		purgeRetention(store, cfg)
	})
	sched.Start()
	defer sched.Stop()

	errCh := make(chan error, 4)
	go func() { errCh <- sessions.Run(ctx) }()

	dash := dashboard.New(store, q, engine, rt, cfg.DashboardPort)
	go func() { errCh <- dash.Run() }()

	printSummary(cfg, store, dir)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("component failed")
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	dash.Shutdown(shutdownCtx)
	q.Close()
	log.Info().Msg("goodbye 👋")
}

type subPair struct {
	tenant  int64
	tracker string
}

func activePairs(dir *directory.Directory) map[subPair]bool {
	pairs := map[subPair]bool{}
	for _, tracker := range dir.ListActiveTrackers() {
		for _, sub := range dir.GetSubscribers(tracker) {
			pairs[subPair{sub.TenantID, strings.ToLower(tracker)}] = true
		}
	}
	return pairs
}

func purgeRetention(store *db.Store, cfg *config.Config) {
	now := time.Now()
	if n, err := store.PurgeTransactionsBefore(now.Add(-cfg.TransactionRetention)); err != nil {
		log.Error().Err(err).Msg("transaction purge failed")
	} else if n > 0 {
		log.Info().Int64("rows", n).Msg("🧹 purged stale transactions")
	}
	if n, err := store.PurgeConfluencesBefore(now.Add(-cfg.ConfluenceRetention)); err != nil {
		log.Error().Err(err).Msg("confluence purge failed")
	} else if n > 0 {
		log.Info().Int64("rows", n).Msg("🧹 purged stale confluences")
	}
}

func printSummary(cfg *config.Config, store *db.Store, dir *directory.Directory) {
	stats, _ := store.Stats()
	fmt.Println("\n" + strings.Repeat("═", 60))
	fmt.Println("  🚨 CONFLUENCE TRACKER - RUNNING")
	fmt.Println(strings.Repeat("═", 60))
	fmt.Printf("  Sessions:  %v\n", cfg.TelegramSessions)
	fmt.Printf("  Trackers:  %d active\n", len(dir.ListActiveTrackers()))
	fmt.Printf("  Defaults:  %d wallets / %dm window\n", cfg.DefaultMinWallets, cfg.DefaultWindowMinutes)
	fmt.Printf("  Dashboard: http://localhost:%d\n", cfg.DashboardPort)
	if stats != nil {
		fmt.Printf("  DB: %d subscriptions, %d transactions, %d confluences\n",
			stats["subscriptions"], stats["transactions"], stats["confluences"])
	}
	fmt.Println(strings.Repeat("═", 60) + "\n")
}
