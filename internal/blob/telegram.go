package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Bot API file size limits. Documents up to TelegramMaxUpload can be sent but
// getFile only serves files up to TelegramMaxDownload, so that is the largest
// blob this backend accepts.
const (
	TelegramMaxUpload   int64 = 50 << 20
	TelegramMaxDownload int64 = 20 << 20
)

// TelegramConfig configures the Telegram channel backend.
type TelegramConfig struct {
	BotToken     string
	ChatID       int64
	APIEndpoint  string         // format string with token and method, default tgbotapi.APIEndpoint
	FileEndpoint string         // format string with token and file path, default tgbotapi.FileEndpoint
	HTTPClient   *http.Client   // used for both API calls and file downloads
	Logger       zerolog.Logger // Structured logger (optional)
}

// Telegram stores blobs as documents posted to a single channel.
// The handle ID is the document file_id and the Ref is the message id.
type Telegram struct {
	bot          *tgbotapi.BotAPI
	chatID       int64
	fileEndpoint string
	client       *http.Client
	logger       zerolog.Logger
}

// NewTelegram connects to the Bot API and verifies the token with getMe.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.FileEndpoint == "" {
		cfg.FileEndpoint = tgbotapi.FileEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, cfg.APIEndpoint, cfg.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}

	cfg.Logger.Info().
		Str("bot", bot.Self.UserName).
		Int64("chat_id", cfg.ChatID).
		Msg("telegram backend ready")

	return &Telegram{
		bot:          bot,
		chatID:       cfg.ChatID,
		fileEndpoint: cfg.FileEndpoint,
		client:       cfg.HTTPClient,
		logger:       cfg.Logger,
	}, nil
}

// Upload posts data as a document. The Bot API has no context support, so ctx is
// only checked before the call starts.
func (t *Telegram) Upload(ctx context.Context, name string, data []byte) (Handle, error) {
	if len(data) == 0 {
		return Handle{}, ErrEmptyBlob
	}
	if int64(len(data)) > TelegramMaxDownload {
		return Handle{}, fmt.Errorf("upload %s of %d bytes: %w", name, len(data), ErrTooLarge)
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	doc := tgbotapi.NewDocument(t.chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	doc.DisableContentTypeDetection = true

	msg, err := t.bot.Send(doc)
	if err != nil {
		return Handle{}, wrapTelegramError("upload", err)
	}
	if msg.Document == nil || msg.Document.FileID == "" {
		return Handle{}, &BackendError{Op: "upload", Err: errors.New("response carries no document")}
	}

	return Handle{
		ID:  msg.Document.FileID,
		Ref: strconv.Itoa(msg.MessageID),
	}, nil
}

// Fetch resolves the file path with getFile and downloads the document.
func (t *Telegram) Fetch(ctx context.Context, id string) (io.ReadCloser, error) {
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: id})
	if err != nil {
		return nil, wrapTelegramError("fetch", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(t.fileEndpoint, t.bot.Token, file.FilePath), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &BackendError{Op: "fetch", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		_ = resp.Body.Close()
		return nil, &BackendError{Op: "fetch", Err: fmt.Errorf("download status %d", resp.StatusCode)}
	}

	return resp.Body, nil
}

// Delete removes the channel message holding the document. Telegram refuses to
// delete messages older than 48 hours; that surfaces as ErrDeleteRefused.
func (t *Telegram) Delete(ctx context.Context, ref string) error {
	messageID, err := strconv.Atoi(ref)
	if err != nil {
		return fmt.Errorf("parse message id %q: %w", ref, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := t.bot.Request(tgbotapi.NewDeleteMessage(t.chatID, messageID)); err != nil {
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && tgErr.Code == http.StatusBadRequest {
			msg := strings.ToLower(tgErr.Message)
			switch {
			case strings.Contains(msg, "message to delete not found"):
				t.logger.Debug().Str("ref", ref).Msg("telegram message already gone")
				return nil
			case strings.Contains(msg, "can't be deleted"):
				return fmt.Errorf("%w: %s", ErrDeleteRefused, tgErr.Message)
			}
		}
		return wrapTelegramError("delete", err)
	}
	return nil
}

// MarkDeleted edits the document caption to "#deleted <name>" so orphaned messages
// can be found by searching the channel.
func (t *Telegram) MarkDeleted(ctx context.Context, ref, name string) error {
	messageID, err := strconv.Atoi(ref)
	if err != nil {
		return fmt.Errorf("parse message id %q: %w", ref, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		name = "unknown"
	}

	if _, err := t.bot.Request(tgbotapi.NewEditMessageCaption(t.chatID, messageID, "#deleted "+name)); err != nil {
		return wrapTelegramError("mark", err)
	}
	return nil
}

func wrapTelegramError(op string, err error) error {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		if tgErr.Code == http.StatusBadRequest && isMissingFile(tgErr.Message) {
			return ErrNotFound
		}
		return &BackendError{
			Op:         op,
			Err:        fmt.Errorf("telegram %d: %s", tgErr.Code, tgErr.Message),
			RetryAfter: time.Duration(tgErr.RetryAfter) * time.Second,
		}
	}
	return &BackendError{Op: op, Err: err}
}

func isMissingFile(description string) bool {
	msg := strings.ToLower(description)
	return strings.Contains(msg, "file not found") || strings.Contains(msg, "invalid file_id") || strings.Contains(msg, "wrong file_id")
}
