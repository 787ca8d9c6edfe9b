package telegram

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"os"
	"strings"

	"flac2mp3/logging"
	"flac2mp3/pipeline"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fileSource struct {
	bot *Bot
}

func (s *fileSource) Fetch(ctx context.Context, fileID, dst string) error {
	url, err := s.bot.fileURL(ctx, fileID)
	if err != nil {
		return err
	}
	return s.bot.downloader.Download(ctx, url, dst)
}

type chatSink struct {
	bot     *Bot
	chatID  int64
	replyTo int
}

func (s *chatSink) Deliver(ctx context.Context, path, name, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open converted file: %w", err)
	}
	defer f.Close()

	doc := tgbotapi.NewDocument(s.chatID, tgbotapi.FileReader{Name: name, Reader: f})
	doc.Caption = htmlCaption(caption)
	doc.ParseMode = tgbotapi.ModeHTML
	doc.ReplyToMessageID = s.replyTo

	_, err = s.bot.send(ctx, doc)
	return err
}

// statusMessage keeps one chat message up to date while a request runs.
// The orchestrator reports sequentially, so no locking is needed.
type statusMessage struct {
	bot       *Bot
	chatID    int64
	replyTo   int
	messageID int
}

func (s *statusMessage) Report(ctx context.Context, ev pipeline.ProgressEvent) {
	var err error
	switch ev.Stage {
	case pipeline.StageDownloading:
		err = s.show(ctx, fmt.Sprintf("Downloading <b>%s</b> (%.1f MB)…", html.EscapeString(ev.FileName), ev.SizeMB))
	case pipeline.StageConverting:
		err = s.show(ctx, fmt.Sprintf("Converting <b>%s</b> to MP3 320 kbps…", html.EscapeString(ev.FileName)))
	case pipeline.StageUploading:
		err = s.show(ctx, fmt.Sprintf("Uploading <b>%s</b> (%.1f MB)…", html.EscapeString(ev.FileName), ev.SizeMB))
	case pipeline.StageDone:
		if s.messageID != 0 {
			err = s.bot.request(ctx, tgbotapi.NewDeleteMessage(s.chatID, s.messageID))
			s.messageID = 0
		}
	case pipeline.StageFailed:
		err = s.show(ctx, html.EscapeString(ev.Message))
	}
	if err != nil {
		s.bot.logger.Debug("failed to update status message",
			slog.Int64("chat_id", s.chatID),
			slog.String("stage", string(ev.Stage)),
			logging.Error(err),
		)
	}
}

// show edits the status message, creating it on first use.
func (s *statusMessage) show(ctx context.Context, text string) error {
	if s.messageID == 0 {
		msg := tgbotapi.NewMessage(s.chatID, text)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.ReplyToMessageID = s.replyTo
		sent, err := s.bot.send(ctx, msg)
		if err != nil {
			return err
		}
		s.messageID = sent.MessageID
		return nil
	}
	edit := tgbotapi.NewEditMessageText(s.chatID, s.messageID, text)
	edit.ParseMode = tgbotapi.ModeHTML
	return s.bot.request(ctx, edit)
}

// htmlCaption escapes a plain caption and bolds its first line.
func htmlCaption(caption string) string {
	first, rest, found := strings.Cut(caption, "\n")
	out := "<b>" + html.EscapeString(first) + "</b>"
	if found {
		out += "\n" + html.EscapeString(rest)
	}
	return out
}
