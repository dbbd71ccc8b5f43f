// Package telegram delivers messages through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"ttbot/internal/dispatch"
	logx "ttbot/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides https://api.telegram.org.
	APIURL string
	// Timeout bounds every Bot API call.
	Timeout time.Duration
	// Media sends items with a media URL as videos.
	Media          bool
	DisablePreview bool
}

// Sink sends rendered items to chats. It also serves as the log sink sender.
type Sink struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		URL:    strings.TrimRight(cfg.APIURL, "/"),
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	log.Info("telegram sink ready", logx.String("bot", b.Me.Username))
	return &Sink{cfg: cfg, bot: b, log: log}, nil
}

// Send delivers msg to the target chat. Errors are classified for the
// dispatcher: flood control carries its retry hint, client-side rejections
// are permanent, everything else is retryable.
func (s *Sink) Send(ctx context.Context, to dispatch.Target, msg dispatch.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chat := &tele.Chat{ID: to.ChatID}
	options := func(mode string) *tele.SendOptions {
		return &tele.SendOptions{
			ParseMode:             tele.ParseMode(mode),
			DisableWebPagePreview: msg.DisablePreview || s.cfg.DisablePreview,
			ThreadID:              to.ThreadID,
		}
	}

	if s.cfg.Media && msg.MediaURL != "" {
		caption := msg.Caption
		if caption == "" {
			caption = msg.Text
		}
		caption, mode := fit(caption, msg.ParseMode, dispatch.MaxCaptionRunes)
		video := &tele.Video{File: tele.FromURL(msg.MediaURL), Caption: caption}
		_, err := s.bot.Send(chat, video, options(mode))
		if err == nil {
			return nil
		}
		cerr := classify(err)
		if !dispatch.IsPermanent(cerr) || strings.TrimSpace(msg.Text) == "" {
			return cerr
		}
		// the media URL was rejected; the text still carries the link
		s.log.Debug("video rejected, falling back to text", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}

	if strings.TrimSpace(msg.Text) == "" {
		return dispatch.Permanent(errors.New("nothing to send"))
	}
	text, mode := fit(msg.Text, msg.ParseMode, dispatch.MaxTextRunes)
	_, err := s.bot.Send(chat, text, options(mode))
	return classify(err)
}

// SendLog implements logx.Sender.
func (s *Sink) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(&tele.Chat{ID: chatID}, truncate(text, dispatch.MaxTextRunes), &tele.SendOptions{
		ThreadID:              threadID,
		DisableWebPagePreview: true,
	})
	return err
}

var codeSuffix = regexp.MustCompile(`\((\d{3})\)\s*$`)

func classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return dispatch.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return dispatch.RetryAfter(err, time.Duration(floodPtr.RetryAfter)*time.Second)
	}
	var group tele.GroupError
	var groupPtr *tele.GroupError
	if errors.As(err, &group) || errors.As(err, &groupPtr) {
		// chat was upgraded to a supergroup; the configured id is stale
		return dispatch.Permanent(err)
	}

	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	} else if m := codeSuffix.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return dispatch.Permanent(err)
	case http.StatusTooManyRequests:
		return dispatch.RetryAfter(err, 0)
	}
	return err
}

// fit cuts text to max runes. Cut markup could leave a tag open, so a cut
// text is sent without a parse mode.
func fit(text, mode string, max int) (string, string) {
	if utf8.RuneCountInString(text) <= max {
		return text, mode
	}
	return truncate(text, max), ""
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}
