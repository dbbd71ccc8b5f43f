// Package logsink is a dry-run sink: deliveries are written to the log
// instead of a chat.
package logsink

import (
	"context"
	"sync/atomic"

	"ttbot/internal/dispatch"
	logx "ttbot/pkg/logx"
)

type Sink struct {
	log  logx.Logger
	sent atomic.Uint64
}

func New(log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{log: log}
}

func (s *Sink) Send(ctx context.Context, to dispatch.Target, msg dispatch.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := s.sent.Add(1)
	s.log.Info("dry-run delivery",
		logx.Int64("chat_id", to.ChatID),
		logx.Int("thread_id", to.ThreadID),
		logx.String("media_url", msg.MediaURL),
		logx.String("text", msg.Text),
		logx.Uint64("seq", n),
	)
	return nil
}

// Sent reports how many messages went through the sink.
func (s *Sink) Sent() uint64 { return s.sent.Load() }
