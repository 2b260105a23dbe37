// Command conductor runs the multi-tenant conversational agent runtime: it
// wires the configured messaging adapters, the per-conversation channel
// runtimes, the memory subsystem, the cron scheduler, the cortex bulletin
// loop, and the ingestion watcher into one long-running process.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	conductor "github.com/sra/conductor"
	"github.com/sra/conductor/channel"
	"github.com/sra/conductor/conversation"
	"github.com/sra/conductor/cortex"
	"github.com/sra/conductor/ingest"
	"github.com/sra/conductor/internal/config"
	"github.com/sra/conductor/memory"
	"github.com/sra/conductor/messaging"
	"github.com/sra/conductor/messaging/discord"
	"github.com/sra/conductor/messaging/email"
	slackadapter "github.com/sra/conductor/messaging/slack"
	"github.com/sra/conductor/messaging/telegram"
	"github.com/sra/conductor/messaging/twitch"
	"github.com/sra/conductor/messaging/webhook"
	"github.com/sra/conductor/observer"
	"github.com/sra/conductor/provider/resolve"
	"github.com/sra/conductor/scheduler"
	"github.com/sra/conductor/store/sqlite"
	"github.com/sra/conductor/tools/file"
	"github.com/sra/conductor/tools/knowledge"
	"github.com/sra/conductor/tools/memorytool"
	"github.com/sra/conductor/tools/schedule"
	"github.com/sra/conductor/tools/sendmessage"
	"github.com/sra/conductor/tools/shell"
	"github.com/sra/conductor/tools/status"
)

const systemPrompt = `You are a helpful personal assistant reachable across chat platforms.
Be concise. Use your memory tools to recall and store durable knowledge, and
your other tools when the conversation calls for them.`

func main() {
	cfgPath := os.Getenv("CONDUCTOR_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.LLM.APIKey == "" {
		log.Fatal("config: llm.api_key is required (inline or env:NAME)")
	}

	dir := cfg.Instance.Dir
	for _, sub := range []string{"", "workspace", filepath.Join("workspace", "ingest")} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			log.Fatalf("instance dir: %v", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- providers ---
	chatProvider, err := resolve.Provider(resolve.Config{
		Provider: cfg.LLM.Provider, APIKey: cfg.LLM.APIKey, Model: cfg.LLM.Model,
	})
	if err != nil {
		log.Fatalf("llm provider: %v", err)
	}
	branchProvider, err := resolve.Provider(resolve.Config{
		Provider: cfg.LLM.Provider, APIKey: cfg.LLM.APIKey, Model: cfg.LLM.BranchModel,
	})
	if err != nil {
		log.Fatalf("branch provider: %v", err)
	}
	embedding, err := resolve.EmbeddingProvider(resolve.EmbeddingConfig{
		Provider: cfg.Embedding.Provider, APIKey: cfg.Embedding.APIKey,
		Model: cfg.Embedding.Model, Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		log.Fatalf("embedding provider: %v", err)
	}

	// --- observability ---
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		inst, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
		chatProvider = observer.WrapProvider(chatProvider, cfg.LLM.Model, inst)
		branchProvider = observer.WrapProvider(branchProvider, cfg.LLM.BranchModel, inst)
		embedding = observer.WrapEmbedding(embedding, cfg.Embedding.Model, inst)
	}

	// --- stores ---
	memStore := memory.New(filepath.Join(dir, "memory.db"), memory.WithLogger(logger))
	if err := memStore.Init(ctx); err != nil {
		log.Fatalf("memory store: %v", err)
	}
	defer memStore.Close()

	convStore := conversation.New(filepath.Join(dir, "conversation.db"), conversation.WithLogger(logger))
	if err := convStore.Init(ctx); err != nil {
		log.Fatalf("conversation store: %v", err)
	}
	defer convStore.Close()

	cronStore := scheduler.New(filepath.Join(dir, "cron.db"), scheduler.WithLogger(logger))
	if err := cronStore.Init(ctx); err != nil {
		log.Fatalf("cron store: %v", err)
	}
	defer cronStore.Close()

	docStore := sqlite.New(filepath.Join(dir, "documents.db"), sqlite.WithLogger(logger))
	if err := docStore.Init(ctx); err != nil {
		log.Fatalf("document store: %v", err)
	}
	defer docStore.Close()

	embedOne := memory.ProviderEmbedder{Provider: embedding}
	memSearch := memory.NewSearch(memStore, embedOne)

	// --- core plumbing ---
	bulletin := cortex.New(branchProvider, memSearch,
		cortex.WithInterval(time.Duration(cfg.Cortex.BulletinIntervalSecs)*time.Second),
		cortex.WithLogger(logger))

	bus := conductor.NewBus()
	msgMgr := messaging.NewManager(messaging.WithManagerLogger(logger), messaging.WithManagerBus(bus))

	// The agent factory and the scheduler reference each other (agents get
	// the cron tool; cron jobs execute through channels). The factory runs
	// lazily per channel, so the pointer is set before any agent is built.
	var sched *scheduler.Scheduler

	newAgent := func(id conductor.ChannelId) conductor.Agent {
		tools := []conductor.Tool{
			memorytool.New(memStore, memSearch, embedOne,
				memorytool.WithProvenance("conversation", id), memorytool.WithBus(bus)),
			knowledge.New(docStore, memSearch, embedding),
			schedule.New(sched),
			sendmessage.New(msgMgr),
			status.New(bus, id),
			shell.New(filepath.Join(dir, "workspace"), 60),
			file.New(filepath.Join(dir, "workspace")),
		}
		return conductor.NewLLMAgent("conductor", "answers conversations on "+string(id), chatProvider,
			conductor.WithPrompt(systemPrompt),
			conductor.WithTools(tools...),
			conductor.WithAgentLogger(logger),
		)
	}

	chanMgr := channel.NewManager(newAgent, convStore, msgMgr, bus,
		channel.WithLogger(logger), channel.WithBulletin(bulletin.Current))
	defer chanMgr.StopAll()

	sched = scheduler.NewScheduler(cronStore, chanMgr, msgMgr, scheduler.WithSchedulerLogger(logger))
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("scheduler: %v", err)
	}
	defer sched.Shutdown()

	// --- messaging adapters ---
	startAdapter := func(a messaging.Adapter) {
		inbound, err := msgMgr.RegisterAndStart(ctx, a)
		if err != nil {
			logger.Error("adapter failed to start", "adapter", a.Name(), "error", err)
			return
		}
		go func() {
			for msg := range inbound {
				if err := chanMgr.Dispatch(ctx, msg); err != nil {
					logger.Warn("dispatch failed", "adapter", a.Name(), "conversation", msg.ConversationID, "error", err)
				}
			}
		}()
	}

	if cfg.Telegram.Enabled {
		startAdapter(telegram.New(cfg.Telegram.Token,
			telegram.WithAllowedUsers(cfg.Telegram.AllowedUserIDs...),
			telegram.WithTriggerPrefix(cfg.Telegram.TriggerPrefix),
			telegram.WithLogger(logger)))
	}
	if cfg.Discord.Enabled {
		d, err := discord.New(cfg.Discord.Token,
			discord.WithAllowedUsers(cfg.Discord.AllowedUserIDs...),
			discord.WithAllowedChannels(cfg.Discord.AllowedChannels...),
			discord.WithTriggerPrefix(cfg.Discord.TriggerPrefix),
			discord.WithLogger(logger))
		if err != nil {
			log.Fatalf("discord: %v", err)
		}
		startAdapter(d)
	}
	if cfg.Slack.Enabled {
		startAdapter(slackadapter.New(cfg.Slack.BotToken, cfg.Slack.AppToken,
			slackadapter.WithAllowedUsers(cfg.Slack.AllowedUserIDs...),
			slackadapter.WithAllowedChannels(cfg.Slack.AllowedChannels...),
			slackadapter.WithTriggerPrefix(cfg.Slack.TriggerPrefix),
			slackadapter.WithLogger(logger)))
	}
	if cfg.Twitch.Enabled {
		startAdapter(twitch.New(twitch.Config{
			Username:     cfg.Twitch.Username,
			Channels:     cfg.Twitch.Channels,
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
			TokenDir:     dir,
		},
			twitch.WithAllowedUsers(cfg.Twitch.AllowedUsers...),
			twitch.WithTriggerPrefix(cfg.Twitch.TriggerPrefix),
			twitch.WithLogger(logger)))
	}
	if cfg.Email.Enabled {
		startAdapter(email.New(email.Config{
			Address:        cfg.Email.Address,
			AccountKey:     cfg.Email.AccountKey,
			IMAPAddr:       cfg.Email.IMAPAddr,
			SMTPHost:       cfg.Email.SMTPHost,
			SMTPPort:       cfg.Email.SMTPPort,
			Username:       cfg.Email.Username,
			Password:       cfg.Email.Password,
			PollInterval:   time.Duration(cfg.Email.PollIntervalSecs) * time.Second,
			AllowedSenders: cfg.Email.AllowedSenders,
		}, email.WithLogger(logger)))
	}
	if cfg.Webhook.Enabled {
		startAdapter(webhook.New(cfg.Webhook.ListenAddr,
			webhook.WithToken(cfg.Webhook.Token),
			webhook.WithLogger(logger)))
	}
	defer msgMgr.Shutdown(context.Background())

	// --- background loops ---
	go bulletin.Run(ctx)

	ingestAgent := func() conductor.Agent {
		return conductor.NewLLMAgent("ingestor", "distills dropped documents into memory", branchProvider,
			conductor.WithTools(memorytool.New(memStore, memSearch, embedOne,
				memorytool.WithProvenance("ingest", ""), memorytool.WithBus(bus))),
			conductor.WithAgentLogger(logger),
		)
	}
	watcher := ingest.NewWatcher(filepath.Join(dir, "workspace", "ingest"), ingestAgent,
		ingest.WithWatcherEnabled(cfg.Ingest.Enabled),
		ingest.WithChunkSize(cfg.Ingest.ChunkSize),
		ingest.WithWatchInterval(time.Duration(cfg.Ingest.IntervalSecs)*time.Second),
		ingest.WithIngestor(ingest.NewIngestor(docStore, embedding)),
		ingest.WithWatcherLogger(logger))
	go watcher.Run(ctx)

	logger.Info("conductor started", "instance_dir", dir)
	<-ctx.Done()
	logger.Info("conductor shutting down")
}
