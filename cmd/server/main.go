package main

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"shiftdesk/internal/classifier"
	"shiftdesk/internal/config"
	"shiftdesk/internal/coordinator"
	"shiftdesk/internal/database"
	"shiftdesk/internal/guard"
	"shiftdesk/internal/handlers"
	"shiftdesk/internal/mailbox"
	"shiftdesk/internal/matcher"
	"shiftdesk/internal/openai"
	"shiftdesk/internal/responder"
	"shiftdesk/internal/server"
	"shiftdesk/internal/store"
	"shiftdesk/internal/syncd"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logger
	logger := cfg.SetupLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database connection failed")
	}
	logger.Info().Msg("Database connection established successfully")

	st := store.New(db)
	if err := st.CreateTables(); err != nil {
		logger.Fatal().Err(err).Msg("Schema bootstrap failed")
	}

	// LLM client (Azure primary, OpenAI fallback)
	llm, err := openai.NewClient(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("OpenAI client initialization failed")
	}
	if err := llm.TestConnection(ctx); err != nil {
		logger.Warn().Err(err).Msg("LLM connection test failed, classification will retry per email")
	}
	logger.Info().Str("provider", llm.GetProviderName()).Msg("LLM provider ready")

	// Processing guard: Redis when configured, otherwise process-local
	var g guard.Guard
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		g = guard.NewRedis(rdb, 5*time.Minute, cfg.GuardFailClosed, logger)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis processing guard")
	} else {
		g = guard.NewMemory()
	}

	// Pipeline stages
	llmTimeout := time.Duration(cfg.OpenAITimeout) * time.Second
	sendTimeout := time.Duration(cfg.SendTimeoutSeconds) * time.Second

	cl := classifier.New(llm, st.Rules, llmTimeout, logger)
	m := matcher.New(st, logger)

	var sender mailbox.Sender
	if cfg.SendGridAPIKey != "" {
		sender = mailbox.NewSendGridSender(cfg.SendGridAPIKey, cfg.FromEmail, cfg.FromName)
	} else {
		logger.Warn().Msg("SENDGRID_API_KEY not set, replies cannot be sent")
	}
	r := responder.New(st.Rules, sender, sendTimeout, logger)

	coord := coordinator.New(st.Emails, st.Settings, cl, m, r, g, cfg.AccountID, logger)

	// Periodic processing pass picks up rows left pending by earlier runs
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.ProcessIntervalSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := coord.Run(ctx); err != nil {
					logger.Error().Err(err).Msg("Scheduled processing run failed")
				}
			}
		}
	}()
	logger.Info().Int("interval_s", cfg.ProcessIntervalSeconds).Msg("Periodic processing trigger started")

	// Inbox sync daemon, when IMAP is configured
	var daemon *syncd.Daemon
	if cfg.HasIMAP() {
		fetcher := mailbox.NewIMAPFetcher(cfg.IMAPHost, cfg.IMAPPort, cfg.IMAPUsername, cfg.IMAPPassword, logger)
		onNewMail := func() {
			go func() {
				if _, err := coord.Run(context.Background()); err != nil {
					logger.Error().Err(err).Msg("Processing run failed")
				}
			}()
		}
		daemon = syncd.New(fetcher, st.Emails, g, cfg.AccountID,
			time.Duration(cfg.SyncIntervalSeconds)*time.Second, onNewMail, logger)
		go daemon.Run(ctx)
		logger.Info().Str("host", cfg.IMAPHost).Int("interval_s", cfg.SyncIntervalSeconds).Msg("Inbox sync daemon started")
	} else {
		logger.Warn().Msg("IMAP not configured, inbox sync disabled")
	}

	// Create and initialize server
	var syncer handlers.Syncer
	if daemon != nil {
		syncer = daemon
	}
	srv := server.New(cfg, db, coord, syncer, st.Emails, logger)
	srv.Initialize()

	// Start server
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Server failed to start")
	}
}
