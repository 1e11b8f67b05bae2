package chatadapter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramProducer runs the long-poll loop against the Telegram Bot API,
// authorizes inbound messages against an allowlist, and feeds them to an
// Adapter. Reconnection uses an exponential backoff with a stall timeout,
// since tgbotapi's long-poll update channel blocks rather than closing on
// a dead connection.
type TelegramProducer struct {
	token      string
	allowedIDs map[int64]struct{}
	adapter    *Adapter
	logger     *slog.Logger

	bot *tgbotapi.BotAPI
}

// NewTelegramProducer constructs a producer bound to adapter and dials the
// Telegram Bot API once, synchronously, so Send can be used (e.g. to wire
// a scheduler.ChatSink) before Start's long-poll loop begins. allowedIDs
// is the chat-ID allowlist; an update from any other chat is logged and
// dropped.
func NewTelegramProducer(token string, allowedIDs []int64, adapter *Adapter, logger *slog.Logger) (*TelegramProducer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramProducer{token: token, allowedIDs: allowed, adapter: adapter, logger: logger, bot: bot}, nil
}

// Send delivers one message to chatID, splitting it to the channel's
// message-size limit first. It is exported so a scheduler.ChatSink can
// route cron job output through the same bot connection as chat replies.
func (p *TelegramProducer) Send(chatID int64, text string) error {
	for _, chunk := range splitMessage(text, messageLimit) {
		if err := p.send(chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// Start blocks until ctx is canceled, running the reconnect-with-backoff
// long-poll loop.
func (p *TelegramProducer) Start(ctx context.Context) error {
	p.logger.Info("telegram chat adapter started", "user", p.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := p.bot.GetUpdatesChan(u)

		pollErr := p.pollUpdates(ctx, updates)
		p.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}

		p.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads from updates until ctx is done, the channel closes,
// or no update arrives within 2.5x the long-poll timeout (stall
// detection — the update channel blocks rather than closing on a dead
// connection).
func (p *TelegramProducer) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.From == nil {
				continue
			}
			if _, ok := p.allowedIDs[update.Message.From.ID]; !ok {
				p.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			p.adapter.HandleMessage(ctx, update.Message.Chat.ID, update.Message.Text, p.send)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// send is the chatadapter.Sender backing this producer: a plain text
// Telegram message per already-size-limited chunk.
func (p *TelegramProducer) send(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := p.bot.Send(msg)
	return err
}
