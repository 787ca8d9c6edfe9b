// Package telegram is the Bot API front-end: it routes incoming messages,
// feeds FLAC files to the conversion pipeline and renders the outcome.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"flac2mp3/logging"
	"flac2mp3/models"
	"flac2mp3/pipeline"
	"flac2mp3/services"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// API is the part of *tgbotapi.BotAPI the bot needs.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Processor runs one conversion request to completion.
type Processor interface {
	Process(ctx context.Context, req models.ConversionRequest, sess pipeline.Session) pipeline.Outcome
}

// Users is the persistence the bot reads and writes directly.
type Users interface {
	EnsureUser(ctx context.Context, user models.User) error
	TotalConversions(ctx context.Context, telegramID int64) (int, error)
}

// Downloader fetches a URL into a local file.
type Downloader interface {
	Download(ctx context.Context, url, localPath string) error
}

type Options struct {
	// Timeout bounds one conversion request, download to delivery.
	Timeout time.Duration
	// MessagesPerSecond paces outbound API calls across all chats.
	MessagesPerSecond float64
	// AppMaxMB is quoted in the welcome text.
	AppMaxMB float64
	Logger   *slog.Logger
}

type Bot struct {
	api        API
	processor  Processor
	users      Users
	downloader Downloader
	pacer      *rate.Limiter
	timeout    time.Duration
	appMaxMB   float64
	logger     *slog.Logger

	wg sync.WaitGroup
}

// NewBot wires the front-end. users may be nil, in which case /stats always
// reports zero and users are not registered.
func NewBot(api API, processor Processor, users Users, downloader Downloader, opts Options) *Bot {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	perSecond := opts.MessagesPerSecond
	if perSecond <= 0 {
		perSecond = 25
	}
	return &Bot{
		api:        api,
		processor:  processor,
		users:      users,
		downloader: downloader,
		pacer:      rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1),
		timeout:    opts.Timeout,
		appMaxMB:   opts.AppMaxMB,
		logger:     logger.With("component", "telegram"),
	}
}

// Run handles updates until ctx is done or the channel closes, then waits
// for in-flight handlers.
func (b *Bot) Run(ctx context.Context, updates <-chan tgbotapi.Update) {
	b.logger.Info("telegram bot receiving updates")
	defer b.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			b.wg.Add(1)
			go func(msg *tgbotapi.Message) {
				defer b.wg.Done()
				b.HandleMessage(ctx, msg)
			}(update.Message)
		}
	}
}

// HandleMessage routes a single message. Panics are logged and swallowed.
func (b *Bot) HandleMessage(ctx context.Context, msg *tgbotapi.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("message handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if msg.From == nil || msg.Chat == nil {
		return
	}

	switch {
	case msg.IsCommand():
		b.handleCommand(ctx, msg)
	case msg.Document != nil:
		doc := msg.Document
		if !isFLAC(doc.FileName, doc.MimeType) {
			b.reply(ctx, msg, wrongFormatText)
			return
		}
		b.convert(ctx, msg, doc.FileID, doc.FileName, int64(doc.FileSize))
	case msg.Audio != nil:
		audio := msg.Audio
		if !isFLAC(audio.FileName, audio.MimeType) {
			b.reply(ctx, msg, nonFLACAudioText(audio.MimeType, audio.FileName))
			return
		}
		b.convert(ctx, msg, audio.FileID, audio.FileName, int64(audio.FileSize))
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		b.ensureUser(ctx, msg.From)
		b.reply(ctx, msg, welcomeText(b.appMaxMB))
	case "stats":
		total := 0
		if b.users != nil {
			n, err := b.users.TotalConversions(ctx, msg.From.ID)
			if err != nil {
				b.logger.Error("failed to load stats", slog.Int64("user_id", msg.From.ID), logging.Error(err))
				b.reply(ctx, msg, "Statistics are unavailable right now.")
				return
			}
			total = n
		}
		b.reply(ctx, msg, statsText(total))
	default:
		b.reply(ctx, msg, welcomeText(b.appMaxMB))
	}
}

func (b *Bot) convert(ctx context.Context, msg *tgbotapi.Message, fileID, fileName string, fileSize int64) {
	if strings.TrimSpace(fileName) == "" {
		fileName = pipeline.DefaultInputName
	}
	b.ensureUser(ctx, msg.From)

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	req := models.ConversionRequest{
		UserID:   msg.From.ID,
		FileID:   fileID,
		FileName: fileName,
		FileSize: fileSize,
	}
	out := b.processor.Process(ctx, req, b.session(msg))

	b.logger.Debug("request finished",
		slog.Int64("user_id", req.UserID),
		slog.String("state", string(out.State)),
	)
}

func (b *Bot) session(msg *tgbotapi.Message) pipeline.Session {
	return pipeline.Session{
		Source:   &fileSource{bot: b},
		Sink:     &chatSink{bot: b, chatID: msg.Chat.ID, replyTo: msg.MessageID},
		Progress: &statusMessage{bot: b, chatID: msg.Chat.ID, replyTo: msg.MessageID},
	}
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User) {
	if b.users == nil {
		return
	}
	err := b.users.EnsureUser(ctx, models.User{
		TelegramID: from.ID,
		Username:   from.UserName,
		FirstName:  from.FirstName,
	})
	if err != nil {
		b.logger.Warn("failed to register user", slog.Int64("user_id", from.ID), logging.Error(err))
	}
}

func (b *Bot) reply(ctx context.Context, msg *tgbotapi.Message, text string) {
	out := tgbotapi.NewMessage(msg.Chat.ID, text)
	out.ParseMode = tgbotapi.ModeHTML
	out.ReplyToMessageID = msg.MessageID
	out.DisableWebPagePreview = true
	if _, err := b.send(ctx, out); err != nil {
		b.logger.Warn("failed to send reply", slog.Int64("chat_id", msg.Chat.ID), logging.Error(err))
	}
}

// send and request pace every outbound call. Waits ignore cancellation of
// the request so that final status edits still go out after a timeout.
func (b *Bot) send(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if err := b.pacer.Wait(context.WithoutCancel(ctx)); err != nil {
		return tgbotapi.Message{}, err
	}
	return b.api.Send(c)
}

func (b *Bot) request(ctx context.Context, c tgbotapi.Chattable) error {
	if err := b.pacer.Wait(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	_, err := b.api.Request(c)
	return err
}

func (b *Bot) fileURL(ctx context.Context, fileID string) (string, error) {
	if err := b.pacer.Wait(ctx); err != nil {
		return "", err
	}
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve file %s: %w", fileID, services.WithoutURL(err))
	}
	return url, nil
}

// isFLAC matches on the file name suffix or the declared MIME type.
func isFLAC(name, mime string) bool {
	if strings.HasSuffix(strings.ToLower(name), ".flac") {
		return true
	}
	switch strings.ToLower(mime) {
	case "audio/flac", "audio/x-flac":
		return true
	}
	return false
}
