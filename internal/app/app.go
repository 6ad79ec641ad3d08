package app

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ChannelRelay/internal/config"
	"ChannelRelay/internal/infrastructure/llm"
	"ChannelRelay/internal/infrastructure/rabbit"
	"ChannelRelay/internal/infrastructure/storage"
	"ChannelRelay/internal/infrastructure/telegram"
	"ChannelRelay/internal/logging"
	"ChannelRelay/internal/ports"
	"ChannelRelay/internal/usecase"
)

// persistence is what a storage backend must provide to run the pipeline.
type persistence interface {
	ports.SourceRegistry
	ports.DedupStore
	ports.MessageQueue
	ports.PostStore
	EnsureSchema(ctx context.Context) error
}

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg config.Config
	log *slog.Logger

	store      persistence
	listener   *telegram.Listener
	consumer   *rabbit.Consumer
	supervisor *usecase.Supervisor
}

// New builds a runnable application instance.
func New(cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	var store persistence
	switch cfg.Storage.Driver {
	case "memory":
		store = storage.NewMemory()
	default:
		db, err := storage.Open(cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect storage: %w", err)
		}
		store = storage.NewPostgres(db)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	baseLogger.Info("telegram authorized", "account", bot.Self.UserName)

	rewriter := llm.NewRewriter(cfg.Rewrite, baseLogger.With("component", "rewriter"))
	locks := usecase.NewGroupLocks()

	collector := usecase.NewCollector(usecase.CollectorDeps{
		Sources:   store,
		Dedup:     store,
		Queue:     store,
		Locks:     locks,
		AwaitText: cfg.Timings.AwaitText(),
		Logger:    baseLogger.With("component", "collector"),
	})
	processor := usecase.NewProcessor(usecase.ProcessorDeps{
		Queue:            store,
		Posts:            store,
		Rewriter:         rewriter,
		Locks:            locks,
		AlbumDebounce:    cfg.Timings.AlbumDebounce(),
		MediaOnlyCaption: cfg.Limits.MediaOnlyCaption,
		Logger:           baseLogger.With("component", "processor"),
	})
	publisher := usecase.NewPublisher(usecase.PublisherDeps{
		Posts:        store,
		Chat:         telegram.NewSender(bot, baseLogger.With("component", "sender")),
		DestChatID:   cfg.Telegram.DestChatID,
		PostDelay:    cfg.Timings.PostDelay(),
		CaptionLimit: cfg.Limits.CaptionLimit,
		MessageLimit: cfg.Limits.MessageLimit,
		Logger:       baseLogger.With("component", "publisher"),
	})

	supervisor := usecase.NewSupervisor(baseLogger.With("component", "supervisor"),
		usecase.Sweep{Name: "rewrite", Every: cfg.Timings.RewriteSweep(), Run: processor.RewritePending},
		usecase.Sweep{Name: "awaiting", Every: cfg.Timings.AwaitingSweep(), Run: processor.CloseExpiredAwaiting},
		usecase.Sweep{Name: "build", Every: cfg.Timings.BuildSweep(), Run: processor.BuildPosts},
		usecase.Sweep{Name: "publish", Every: cfg.Timings.PublishSweep(), Run: publisher.PublishDue},
	)

	application := &Application{
		cfg:        cfg,
		log:        baseLogger,
		store:      store,
		listener:   telegram.NewListener(bot, collector, cfg.Telegram.DestChatID, baseLogger.With("component", "listener")),
		supervisor: supervisor,
	}
	if cfg.AMQP.URL != "" {
		application.consumer = rabbit.NewConsumer(cfg.AMQP.URL, cfg.AMQP.Queue, collector,
			baseLogger.With("component", "amqp"))
	}
	return application, nil
}

// Run starts the update listener, the optional queue intake and the sweeps,
// and blocks until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	if err := a.store.EnsureSchema(ctx); err != nil {
		return err
	}

	go func() {
		if err := a.listener.Run(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("listener stopped", "error", err)
		}
	}()

	if a.consumer != nil {
		go func() {
			if err := a.consumer.Run(ctx); err != nil && ctx.Err() == nil {
				a.log.Error("amqp intake stopped", "error", err)
			}
		}()
	}

	a.log.Info("channelrelay running",
		"dest", a.cfg.Telegram.DestChatID, "storage", a.cfg.Storage.Driver)
	a.supervisor.Start(ctx)
	return ctx.Err()
}
