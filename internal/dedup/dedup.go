// Package dedup decides which fetched items are new.
package dedup

import (
	"strings"
	"time"

	"ttbot/internal/source"
	"ttbot/internal/storage"
)

// Diff returns the items of raw whose ids are not in known, in fetch order.
//
// Items with an empty id are dropped. When an id repeats within raw the first
// occurrence wins. DiscoveredAt is now plus i nanoseconds for the i-th
// returned item so that ordering by discovered_at reproduces fetch order.
// Diff does not touch the store.
func Diff(sourceName string, raw []source.RawItem, known map[string]struct{}, now time.Time) []storage.ContentItem {
	if len(raw) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	var out []storage.ContentItem
	for _, r := range raw {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			continue
		}
		if _, ok := known[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, storage.ContentItem{
			SourceName:   sourceName,
			SourceID:     id,
			DiscoveredAt: now.Add(time.Duration(len(out))),
			Payload: storage.Payload{
				URL:          r.URL,
				Caption:      r.Caption,
				MediaURL:     r.MediaURL,
				ThumbnailURL: r.ThumbnailURL,
				Author:       r.Author,
				PublishedAt:  r.PublishedAt,
			},
		})
	}
	return out
}
