package source

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// htmlFetcher scrapes links matching a CSS selector. The resolved href is
// both the item id and its URL; the element text becomes the caption.
type htmlFetcher struct {
	cfg    Config
	client *http.Client
}

func (f *htmlFetcher) Fetch(ctx context.Context) ([]RawItem, error) {
	body, err := get(ctx, f.client, f.cfg, "text/html")
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &UnavailableError{Source: f.cfg.Name, Err: err}
	}
	base, err := url.Parse(f.cfg.URL)
	if err != nil {
		return nil, &UnavailableError{Source: f.cfg.Name, Err: err}
	}

	var out []RawItem
	doc.Find(f.cfg.Selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			href, ok = s.Find("a[href]").First().Attr("href")
		}
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		link := base.ResolveReference(ref).String()

		item := RawItem{
			ID:      link,
			URL:     link,
			Caption: strings.Join(strings.Fields(s.Text()), " "),
		}
		if src, ok := s.Find("img[src]").First().Attr("src"); ok {
			if u, err := url.Parse(src); err == nil {
				item.ThumbnailURL = base.ResolveReference(u).String()
			}
		}
		if src, ok := s.Find("video[src], video source[src]").First().Attr("src"); ok {
			if u, err := url.Parse(src); err == nil {
				item.MediaURL = base.ResolveReference(u).String()
			}
		}
		out = append(out, item)
	})
	if f.cfg.NewestFirst {
		reverse(out)
	}
	return out, nil
}
