package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// jsonFetcher reads a feed that is either a bare array of items or an
// object with an "items" array.
type jsonFetcher struct {
	cfg    Config
	client *http.Client
}

type feedItem struct {
	ID           feedID     `json:"id"`
	URL          string     `json:"url"`
	Caption      string     `json:"caption"`
	Title        string     `json:"title"`
	MediaURL     string     `json:"media_url"`
	ThumbnailURL string     `json:"thumbnail_url"`
	Author       string     `json:"author"`
	PublishedAt  *time.Time `json:"published_at"`
}

type feedEnvelope struct {
	Items []feedItem `json:"items"`
}

// feedID accepts both string and numeric ids.
type feedID string

func (id *feedID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = feedID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = feedID(n.String())
	return nil
}

func (f *jsonFetcher) Fetch(ctx context.Context) ([]RawItem, error) {
	body, err := get(ctx, f.client, f.cfg, "application/json")
	if err != nil {
		return nil, err
	}
	feed, err := decodeFeed(body)
	if err != nil {
		return nil, &UnavailableError{Source: f.cfg.Name, Err: err}
	}

	out := make([]RawItem, 0, len(feed))
	for _, it := range feed {
		caption := it.Caption
		if caption == "" {
			caption = it.Title
		}
		out = append(out, RawItem{
			ID:           strings.TrimSpace(string(it.ID)),
			URL:          it.URL,
			Caption:      caption,
			MediaURL:     it.MediaURL,
			ThumbnailURL: it.ThumbnailURL,
			Author:       it.Author,
			PublishedAt:  it.PublishedAt,
		})
	}
	if f.cfg.NewestFirst {
		reverse(out)
	}
	return out, nil
}

func decodeFeed(body []byte) ([]feedItem, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty feed body")
	}
	if body[0] == '[' {
		var items []feedItem
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var env feedEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return env.Items, nil
}
