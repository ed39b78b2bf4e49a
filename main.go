package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tanpawarit/chinook-data-agent/agent/llm"
	"github.com/tanpawarit/chinook-data-agent/agent/runner"
	statex "github.com/tanpawarit/chinook-data-agent/agent/state"
	"github.com/tanpawarit/chinook-data-agent/chinook"
	configx "github.com/tanpawarit/chinook-data-agent/pkg/config"
	_ "github.com/tanpawarit/chinook-data-agent/pkg/logger/autoload"
	openrouterx "github.com/tanpawarit/chinook-data-agent/pkg/openrouter"
	"github.com/tanpawarit/chinook-data-agent/server"
)

type AppConfig struct {
	SessionTTL      time.Duration `envconfig:"SESSION_TTL" split_words:"true" default:"0"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" split_words:"true" default:"10s"`
}

func main() {
	appCfg := configx.MustNew[AppConfig]("")
	chinookCfg := configx.MustNew[chinook.Config]("CHINOOK")
	llmCfg := configx.MustNew[llm.Config]("OPENROUTER")
	agentCfg := configx.MustNew[runner.Config]("AGENT")
	serverCfg := configx.MustNew[server.Config]("SERVER")
	redisCfg := configx.MustNew[statex.UpstashRedisConfig]("UPSTASH_REDIS")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records, err := chinook.Open(*chinookCfg)
	if err != nil {
		log.Fatal().Err(err).Str("path", chinookCfg.Path).Msg("failed to open chinook database")
	}
	defer records.Close()

	if openrouterx.NewClient(llmCfg.OpenRouter()) == nil {
		log.Fatal().Msg("openrouter api key is missing")
	}
	model, err := llm.New(ctx, *llmCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize chat model")
	}

	store := statex.NewStore()

	var checkpoints statex.Checkpointer = statex.NoopCheckpointer{}
	if redisCfg.Enabled() {
		cp, err := statex.NewUpstashRedisCheckpointer(*redisCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize redis checkpointer")
		}
		checkpoints = cp
		log.Info().Msg("redis checkpointing enabled")
	}

	agent, err := runner.New(ctx, store, model, records, checkpoints, *agentCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize agent runtime")
	}

	if appCfg.SessionTTL > 0 {
		go evictIdleSessions(ctx, store, appCfg.SessionTTL)
	}

	srv := server.NewHTTPServer(*serverCfg, agent)
	go func() {
		log.Info().Str("addr", serverCfg.Addr).Str("agent", runner.AgentName).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func evictIdleSessions(ctx context.Context, store *statex.Store, ttl time.Duration) {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.EvictIdle(ttl); n > 0 {
				log.Info().Int("evicted", n).Msg("idle sessions evicted")
			}
		}
	}
}
