package dispatch

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"ttbot/internal/storage"
)

// Telegram limits, counted in runes.
const (
	MaxTextRunes    = 4096
	MaxCaptionRunes = 1024
)

// Message is the sink-native rendering of a content item.
type Message struct {
	// Text fits MaxTextRunes. Caption is the same rendering fitted to
	// MaxCaptionRunes for media messages.
	Text           string
	Caption        string
	ParseMode      string // "HTML" or empty
	MediaURL       string
	DisablePreview bool
}

// Target is where a source's items are delivered.
type Target struct {
	ChatID   int64
	ThreadID int
}

const defaultTemplate = `{{if .Author}}<b>{{.Author}}</b>
{{end}}{{if .Caption}}{{.Caption}}
{{end}}{{if .URL}}<a href="{{.URL}}">{{.URL}}</a>{{end}}`

// Renderer turns items into HTML messages with an html/template.
type Renderer struct {
	tmpl *template.Template
}

type renderData struct {
	Source       string
	ID           string
	URL          string
	Caption      string
	MediaURL     string
	ThumbnailURL string
	Author       string
	PublishedAt  *time.Time
}

// NewRenderer parses text; an empty text selects the default layout.
func NewRenderer(text string) (*Renderer, error) {
	if strings.TrimSpace(text) == "" {
		text = defaultTemplate
	}
	t, err := template.New("item").Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return &Renderer{tmpl: t}, nil
}

// Render executes the template for item. A caption too long for Telegram
// is shortened before templating so markup around it stays intact.
func (r *Renderer) Render(item storage.ContentItem) (Message, error) {
	p := item.Payload
	data := renderData{
		Source:       item.SourceName,
		ID:           item.SourceID,
		URL:          p.URL,
		Caption:      p.Caption,
		MediaURL:     p.MediaURL,
		ThumbnailURL: p.ThumbnailURL,
		Author:       p.Author,
		PublishedAt:  p.PublishedAt,
	}
	text, err := r.fit(data, MaxTextRunes)
	if err != nil {
		return Message{}, fmt.Errorf("render %s/%s: %w", item.SourceName, item.SourceID, err)
	}
	caption := text
	if utf8.RuneCountInString(caption) > MaxCaptionRunes {
		if caption, err = r.fit(data, MaxCaptionRunes); err != nil {
			return Message{}, fmt.Errorf("render %s/%s: %w", item.SourceName, item.SourceID, err)
		}
	}
	msg := Message{
		Text:      text,
		Caption:   caption,
		ParseMode: "HTML",
		MediaURL:  p.MediaURL,
	}
	if msg.Text == "" && msg.MediaURL == "" {
		return Message{}, ErrEmptyMessage
	}
	return msg, nil
}

// fit renders d, cutting the caption until the output is at most max runes
// or the caption is gone.
func (r *Renderer) fit(d renderData, max int) (string, error) {
	caption := []rune(d.Caption)
	for {
		var buf bytes.Buffer
		if err := r.tmpl.Execute(&buf, d); err != nil {
			return "", err
		}
		out := strings.TrimSpace(buf.String())
		over := utf8.RuneCountInString(out) - max
		if over <= 0 || len(caption) == 0 {
			return out, nil
		}
		// one extra rune for the ellipsis
		keep := len(caption) - over - 1
		if keep <= 0 {
			caption = caption[:0]
			d.Caption = ""
			continue
		}
		caption = caption[:keep]
		d.Caption = strings.TrimRightFunc(string(caption), unicode.IsSpace) + "…"
	}
}
