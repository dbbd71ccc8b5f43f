package logsink

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"ttbot/internal/dispatch"
	logx "ttbot/pkg/logx"
)

func TestSendLogsDelivery(t *testing.T) {
	var buf bytes.Buffer
	s := New(logx.NewWriter(&buf, "info"))

	err := s.Send(context.Background(), dispatch.Target{ChatID: 9}, dispatch.Message{Text: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if s.Sent() != 1 {
		t.Fatalf("sent=%d", s.Sent())
	}
	out := buf.String()
	if !strings.Contains(out, "dry-run delivery") || !strings.Contains(out, `"text":"hello"`) {
		t.Fatalf("log=%s", out)
	}
}

func TestSendHonorsCanceledContext(t *testing.T) {
	s := New(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, dispatch.Target{}, dispatch.Message{Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if s.Sent() != 0 {
		t.Fatalf("sent=%d", s.Sent())
	}
}
