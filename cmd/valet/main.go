package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"valet/internal/allocator"
	"valet/internal/api"
	"valet/internal/bot"
	"valet/internal/config"
	"valet/internal/conversation"
	"valet/internal/dashboard"
	"valet/internal/database"
	"valet/internal/events"
	"valet/internal/imagehost"
	"valet/internal/ledger"
	"valet/internal/metrics"
	"valet/internal/notify"
	"valet/internal/repository"
	"valet/internal/valet"
	"valet/internal/whatsapp"
	"valet/shared/audit"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// channel is what a chat transport provides to the rest of the service.
type channel interface {
	notify.Sender
	valet.MediaFetcher
}

func main() {
	configPath := pflag.String("config", "", "path to config.yaml (default $VALET_CONFIG_PATH or configs/config.yaml)")
	envFile := pflag.String("env-file", ".env", "optional dotenv file loaded before the config")
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("VALET_CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db error")
	}
	defer db.Close()

	if err := db.EnsureSlots(ctx, cfg.TotalSlots()); err != nil {
		logger.Fatal().Err(err).Msg("failed to create slots")
	}

	bus := events.NewEventBus()
	bus.OnError(func(ev events.Event, err error) {
		logger.Warn().Err(err).Str("event", ev.Type).Msg("event handler failed")
	})

	hub := dashboard.NewHub(&logger)
	publisher := dashboard.NewPublisher(db, hub, &logger)
	publisher.Subscribe(bus)

	watchDrivers(ctx, cfg, db, publisher, &logger)

	store, redisRepo := newStateRepository(cfg, db, &logger)

	l := ledger.New(db, cfg.QRLinkBase())
	alloc := allocator.New(db, l, bus, cfg.CheckInTTL(), cfg.RetrievalTTL(), &logger)
	engine := conversation.NewEngine(store, alloc, cfg.MessagesPerMinute(), &logger)

	images, mediaDir, err := newImageHost(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("image host error")
	}

	var tg *bot.Bot
	var ch channel
	switch cfg.Channel.Kind {
	case config.ChannelTelegram:
		if cfg.Telegram.BotToken == "" || cfg.Telegram.BotToken == "YOUR_BOT_TOKEN_HERE" {
			logger.Fatal().Msg("set telegram.bot_token in config")
		}
		tg, err = bot.New(cfg.Telegram.BotToken, cfg.Telegram.Debug, &logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("create bot error")
		}
		ch = tg
	default:
		if cfg.WhatsApp.AccessToken == "" || cfg.WhatsApp.PhoneNumberID == "" {
			logger.Fatal().Msg("set whatsapp.access_token and whatsapp.phone_number_id in config")
		}
		ch = whatsapp.NewClient(cfg.WhatsApp.APIURL, cfg.WhatsApp.PhoneNumberID, cfg.WhatsApp.AccessToken)
	}

	outbox := notify.NewOutbox(ch, notify.Config{
		Workers:       cfg.Outbox.Workers,
		QueueSize:     cfg.Outbox.QueueSize,
		RatePerSecond: cfg.Outbox.RatePerSecond,
		Burst:         cfg.Outbox.Burst,
	}, &logger)
	outbox.Start(ctx)
	defer outbox.Stop()

	svc := valet.NewService(engine, alloc, l, images, ch, outbox, &logger)

	go hub.Run(ctx)
	go publisher.Run(ctx)
	go valet.NewSweeper(alloc, db, cfg.SweepInterval(), &logger).Start(ctx)
	go database.NewBackupService(db, cfg.Backup, &logger).Start(ctx)
	if cfg.Audit.Enabled {
		auditSvc := audit.NewService(audit.Config{
			Dir:               cfg.Audit.Dir,
			DataRetentionDays: cfg.Audit.RetentionDays,
		}, db, audit.NewExcelizeWriter, db, &logger)
		go auditSvc.Start(ctx)
	}

	if cfg.Monitoring.PrometheusEnabled {
		if cfg.Monitoring.PrometheusPort == 0 {
			cfg.Monitoring.PrometheusPort = 9090
		}
		metrics.Register()
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	var pinger api.Pinger
	if redisRepo != nil {
		pinger = redisRepo
	}
	srv := api.NewServer(ctx, db, alloc, svc, hub, pinger, bus, api.Options{
		APIKey:         cfg.Admin.APIKey,
		AllowReset:     cfg.Admin.AllowReset,
		VerifyToken:    cfg.WhatsApp.VerifyToken,
		WebhookWorkers: cfg.WebhookWorkers(),
		WebhookQueue:   cfg.WebhookQueue(),
		MediaDir:       mediaDir,
	}, &logger)
	go startAPIServer(ctx, cfg.ServerPort(), srv.Router(), &logger)

	logger.Info().
		Str("channel", cfg.Channel.Kind).
		Int("slots", cfg.TotalSlots()).
		Int("port", cfg.ServerPort()).
		Msg("Valet service started")

	if tg != nil {
		tg.Start(ctx, svc)
	} else {
		<-ctx.Done()
	}
	srv.Wait()
	logger.Info().Msg("Valet service stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || cfg.Logging.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Logging.JSON {
		return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	}
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// newStateRepository prefers Redis for sessions and falls back to SQLite
// while Redis is unreachable.
func newStateRepository(cfg *config.Config, db *database.DB, logger *zerolog.Logger) (repository.StateRepository, *repository.RedisStateRepository) {
	sqliteRepo := repository.NewSQLiteStateRepository(db, cfg.SessionTTL())
	if cfg.Redis.Address == "" {
		return sqliteRepo, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	redisRepo := repository.NewRedisStateRepository(rdb, cfg.SessionTTL())
	logger.Info().Str("addr", cfg.Redis.Address).Msg("Sessions stored in redis")
	return repository.NewFailoverStateRepository(redisRepo, sqliteRepo, logger), redisRepo
}

func newImageHost(ctx context.Context, cfg *config.Config) (imagehost.Host, string, error) {
	if cfg.Images.Backend == "s3" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Images.S3.Region))
		if err != nil {
			return nil, "", fmt.Errorf("load aws config: %w", err)
		}
		s3 := cfg.Images.S3
		return imagehost.NewS3(awsCfg, s3.Bucket, s3.Prefix, s3.PublicBaseURL), "", nil
	}

	dir := cfg.Images.LocalDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(cfg.Database.Path), "media")
	}
	local, err := imagehost.NewLocal(dir, cfg.Server.PublicBaseURL)
	if err != nil {
		return nil, "", err
	}
	return local, local.Dir(), nil
}

func watchDrivers(ctx context.Context, cfg *config.Config, db *database.DB, publisher *dashboard.Publisher, logger *zerolog.Logger) {
	path := cfg.Valet.DriversConfigPath
	err := config.WatchDrivers(ctx, path, cfg.DriversReloadInterval(), func(roster *config.DriversConfig) {
		if err := db.SyncDriversFromConfig(ctx, roster); err != nil {
			logger.Error().Err(err).Msg("failed to sync drivers")
			return
		}
		logger.Info().Str("roster", roster.String()).Msg("Drivers synced")
		publisher.Notify()
	})
	if err != nil {
		logger.Warn().Err(err).Msg("driver roster not loaded; drivers can be added via the API")
	}
}

func startAPIServer(ctx context.Context, port int, handler http.Handler, logger *zerolog.Logger) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("api server error")
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
