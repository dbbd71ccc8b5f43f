package dispatch

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"ttbot/internal/storage"
)

func TestRendererDefault(t *testing.T) {
	r, err := NewRenderer("")
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	msg, err := r.Render(storage.ContentItem{
		SourceName: "src",
		SourceID:   "1",
		Payload: storage.Payload{
			Author:   "dev<ops>",
			Caption:  "rock & roll",
			URL:      "https://example.com/v/1?a=1&b=2",
			MediaURL: "https://cdn.example.com/1.mp4",
		},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{"<b>dev&lt;ops&gt;</b>", "rock &amp; roll", `href="https://example.com/v/1?a=1&amp;b=2"`} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("text %q missing %q", msg.Text, want)
		}
	}
	if msg.ParseMode != "HTML" || msg.MediaURL != "https://cdn.example.com/1.mp4" {
		t.Errorf("msg=%+v", msg)
	}
}

func TestRendererCustomAndEmpty(t *testing.T) {
	r, err := NewRenderer("[{{.Source}}] {{.Caption}}")
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	msg, err := r.Render(storage.ContentItem{SourceName: "tt", Payload: storage.Payload{Caption: "hi"}})
	if err != nil || msg.Text != "[tt] hi" {
		t.Fatalf("Render=%q,%v", msg.Text, err)
	}

	r, _ = NewRenderer("")
	if _, err := r.Render(storage.ContentItem{SourceName: "tt", SourceID: "2"}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err=%v want ErrEmptyMessage", err)
	}
}

func TestRendererLongCaptionKeepsMarkup(t *testing.T) {
	r, err := NewRenderer("")
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	tests := []struct {
		name    string
		caption string
	}{
		{name: "plain", caption: strings.Repeat("a", 4070)},
		{name: "escaped", caption: strings.Repeat("a&b ", 1500)},
		{name: "multibyte", caption: strings.Repeat("видео ", 900)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const url = "https://www.tiktok.com/@someone/video/7300000000000000000"
			msg, err := r.Render(storage.ContentItem{
				SourceName: "tt",
				SourceID:   "1",
				Payload:    storage.Payload{Caption: tt.caption, URL: url},
			})
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			for _, c := range []struct {
				text string
				max  int
			}{{msg.Text, MaxTextRunes}, {msg.Caption, MaxCaptionRunes}} {
				if n := utf8.RuneCountInString(c.text); n > c.max {
					t.Fatalf("rendered %d runes, limit %d", n, c.max)
				}
				if !strings.HasSuffix(c.text, `<a href="`+url+`">`+url+`</a>`) {
					t.Fatalf("link lost: ...%s", tail(c.text, 80))
				}
				if !strings.Contains(c.text, "…") {
					t.Fatalf("caption not shortened: ...%s", tail(c.text, 80))
				}
			}
		})
	}
}

func TestRendererShortCaptionUnchanged(t *testing.T) {
	r, _ := NewRenderer("{{.Caption}}")
	msg, err := r.Render(storage.ContentItem{SourceName: "tt", Payload: storage.Payload{Caption: "short"}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if msg.Text != "short" || msg.Caption != "short" {
		t.Fatalf("msg=%+v", msg)
	}
}

func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
