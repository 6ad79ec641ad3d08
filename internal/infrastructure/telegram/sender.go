package telegram

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ChannelRelay/internal/domain"
	"ChannelRelay/internal/ports"
)

// Sender dispatches finalized posts to the destination channel over the Bot
// API. Media is resent by file id; bytes are never downloaded.
type Sender struct {
	bot *tgbotapi.BotAPI
	log *slog.Logger
}

var _ ports.ChatClient = (*Sender)(nil)

// NewSender wraps an authenticated bot handle.
func NewSender(bot *tgbotapi.BotAPI, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{bot: bot, log: log}
}

// SendText sends one text message. The caller is responsible for chunking.
func (s *Sender) SendText(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// SendMediaGroup resends media by reference, batching albums into one call.
// A non-empty caption rides on the first element.
func (s *Sender) SendMediaGroup(ctx context.Context, chatID int64, media []domain.MediaRef, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(media) == 0 {
		return nil
	}

	if len(media) == 1 {
		return s.sendSingle(chatID, media[0], caption)
	}

	files := make([]interface{}, 0, len(media))
	for i, ref := range media {
		itemCaption := ""
		if i == 0 {
			itemCaption = caption
		}
		input, err := inputMedia(ref, itemCaption)
		if err != nil {
			return err
		}
		files = append(files, input)
	}

	group := tgbotapi.NewMediaGroup(chatID, files)
	if _, err := s.bot.SendMediaGroup(group); err != nil {
		return fmt.Errorf("send media group: %w", err)
	}
	return nil
}

// sendSingle avoids the media-group call for one attachment; the Bot API
// rejects groups of size one.
func (s *Sender) sendSingle(chatID int64, ref domain.MediaRef, caption string) error {
	file := tgbotapi.FileID(ref.FileID)

	var err error
	switch ref.Kind {
	case domain.MediaPhoto:
		cfg := tgbotapi.NewPhoto(chatID, file)
		cfg.Caption = caption
		_, err = s.bot.Send(cfg)
	case domain.MediaVideo:
		cfg := tgbotapi.NewVideo(chatID, file)
		cfg.Caption = caption
		_, err = s.bot.Send(cfg)
	case domain.MediaDocument:
		cfg := tgbotapi.NewDocument(chatID, file)
		cfg.Caption = caption
		_, err = s.bot.Send(cfg)
	default:
		return fmt.Errorf("unknown media kind %q", ref.Kind)
	}
	if err != nil {
		return fmt.Errorf("send %s: %w", ref.Kind, err)
	}
	return nil
}

func inputMedia(ref domain.MediaRef, caption string) (interface{}, error) {
	file := tgbotapi.FileID(ref.FileID)

	switch ref.Kind {
	case domain.MediaPhoto:
		input := tgbotapi.NewInputMediaPhoto(file)
		input.Caption = caption
		return input, nil
	case domain.MediaVideo:
		input := tgbotapi.NewInputMediaVideo(file)
		input.Caption = caption
		return input, nil
	case domain.MediaDocument:
		input := tgbotapi.NewInputMediaDocument(file)
		input.Caption = caption
		return input, nil
	default:
		return nil, fmt.Errorf("unknown media kind %q", ref.Kind)
	}
}
