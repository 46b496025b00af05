// Package bot is the Telegram channel adapter.
package bot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"valet/internal/conversation"
	"valet/internal/notify"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const maxPhotoBytes = 16 << 20

type telegramClient interface {
	Send(tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	GetFileDirectURL(fileID string) (string, error)
	SelfUser() tgbotapi.User
}

type realTelegramClient struct {
	api *tgbotapi.BotAPI
}

func (c *realTelegramClient) Send(msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	return c.api.Send(msg)
}

func (c *realTelegramClient) GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return c.api.GetUpdatesChan(cfg)
}

func (c *realTelegramClient) GetFileDirectURL(fileID string) (string, error) {
	return c.api.GetFileDirectURL(fileID)
}

func (c *realTelegramClient) SelfUser() tgbotapi.User {
	return c.api.Self
}

// Dispatcher consumes inbound chat messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg conversation.Message)
}

// Bot relays Telegram updates to the dispatcher and sends replies. The chat
// id in decimal is the sender address.
type Bot struct {
	tg         telegramClient
	httpClient *http.Client
	logger     *zerolog.Logger
}

func New(token string, debug bool, logger *zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = debug
	return newBot(&realTelegramClient{api: api}, logger)
}

// NewWithTelegramClient allows injecting a mocked Telegram client for tests.
func NewWithTelegramClient(tg telegramClient, logger *zerolog.Logger) (*Bot, error) {
	return newBot(tg, logger)
}

func newBot(tg telegramClient, logger *zerolog.Logger) (*Bot, error) {
	if tg == nil {
		return nil, fmt.Errorf("telegram client is nil")
	}
	return &Bot{
		tg:         tg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}, nil
}

// Start long-polls updates until ctx is done.
func (b *Bot) Start(ctx context.Context, d Dispatcher) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.tg.GetUpdatesChan(u)
	b.logger.Info().Str("username", b.tg.SelfUser().UserName).Msg("Telegram bot authorized")

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if msg, ok := toInbound(&update); ok {
				d.Dispatch(ctx, msg)
			}
		}
	}
}

func toInbound(update *tgbotapi.Update) (conversation.Message, bool) {
	m := update.Message
	if m == nil || m.Chat == nil {
		return conversation.Message{}, false
	}
	in := conversation.Message{
		ID:   fmt.Sprintf("tg:%d:%d", m.Chat.ID, m.MessageID),
		From: strconv.FormatInt(m.Chat.ID, 10),
		Text: m.Text,
	}
	if len(m.Photo) > 0 {
		// Sizes are ordered smallest first.
		in.ImageRef = m.Photo[len(m.Photo)-1].FileID
		in.Text = m.Caption
	}
	if in.Text == "" && in.ImageRef == "" {
		return conversation.Message{}, false
	}
	return in, true
}

// SendText sends a plain message.
func (b *Bot) SendText(_ context.Context, to, body string) error {
	chatID, err := parseChatID(to)
	if err != nil {
		return err
	}
	_, err = b.tg.Send(tgbotapi.NewMessage(chatID, body))
	return err
}

// SendImage uploads raw bytes when present, otherwise sends the URL.
func (b *Bot) SendImage(_ context.Context, to string, msg notify.Message) error {
	chatID, err := parseChatID(to)
	if err != nil {
		return err
	}
	var file tgbotapi.RequestFileData
	switch {
	case len(msg.ImageData) > 0:
		file = tgbotapi.FileBytes{Name: "image.png", Bytes: msg.ImageData}
	case msg.ImageURL != "":
		file = tgbotapi.FileURL(msg.ImageURL)
	default:
		return fmt.Errorf("image message without data")
	}
	photo := tgbotapi.NewPhoto(chatID, file)
	photo.Caption = msg.Caption
	_, err = b.tg.Send(photo)
	return err
}

// FetchMedia downloads a photo by file id.
func (b *Bot) FetchMedia(ctx context.Context, fileID string) ([]byte, error) {
	link, err := b.tg.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file %s: %w", fileID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download file %s: http %d", fileID, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes))
	if err != nil {
		return nil, err
	}
	return data, nil
}

func parseChatID(to string) (int64, error) {
	id, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q", to)
	}
	return id, nil
}
