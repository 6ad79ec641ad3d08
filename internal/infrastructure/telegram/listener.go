package telegram

import (
	"context"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ChannelRelay/internal/domain"
	"ChannelRelay/internal/usecase"
)

const updateTimeoutSeconds = 30

// Listener long-polls bot updates and feeds source messages into the
// collector. Echoes from the destination channel are filtered out so the bot
// never ingests its own output.
type Listener struct {
	bot        *tgbotapi.BotAPI
	collector  *usecase.Collector
	destChatID int64
	log        *slog.Logger
}

// NewListener wires the update stream to the collector.
func NewListener(bot *tgbotapi.BotAPI, collector *usecase.Collector, destChatID int64, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{bot: bot, collector: collector, destChatID: destChatID, log: log}
}

// Run blocks consuming updates until ctx is cancelled. Per-item failures are
// logged and the stream continues.
func (l *Listener) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = updateTimeoutSeconds

	updates := l.bot.GetUpdatesChan(cfg)
	defer l.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg := update.Message
			if msg == nil {
				msg = update.ChannelPost
			}
			if msg == nil || msg.Chat == nil || msg.Chat.ID == l.destChatID {
				continue
			}

			item := itemFromMessage(msg)
			if err := l.collector.Collect(ctx, item); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				l.log.Error("collect update",
					"source", item.SourceID, "message", item.MessageID, "error", err)
			}
		}
	}
}

func itemFromMessage(msg *tgbotapi.Message) domain.IncomingItem {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	var media domain.MediaRef
	switch {
	case len(msg.Photo) > 0:
		// The last size is the largest rendition.
		media = domain.MediaRef{Kind: domain.MediaPhoto, FileID: msg.Photo[len(msg.Photo)-1].FileID}
	case msg.Video != nil:
		media = domain.MediaRef{Kind: domain.MediaVideo, FileID: msg.Video.FileID}
	case msg.Document != nil:
		media = domain.MediaRef{Kind: domain.MediaDocument, FileID: msg.Document.FileID}
	}

	return domain.IncomingItem{
		SourceID:   msg.Chat.ID,
		MessageID:  int64(msg.MessageID),
		GroupID:    msg.MediaGroupID,
		Text:       text,
		Media:      media,
		ReceivedAt: msg.Time(),
	}
}
