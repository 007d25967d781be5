package source

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/mxwashington/regiq-sub010/internal/model"
)

// rssSource reads any RSS or Atom feed. Used for EPA and CDC.
type rssSource struct {
	httpSource
}

func NewRSSSource(desc model.SourceDescriptor) *rssSource {
	return &rssSource{httpSource: newHTTPSource(desc)}
}

func (s *rssSource) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	endpoint := s.desc.Endpoint("")
	if endpoint == "" {
		return FetchResult{}, fmt.Errorf("%s: no feed endpoint configured", s.desc.Name)
	}
	body, err := s.get(ctx, endpoint, nil)
	if err != nil {
		return FetchResult{}, err
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return FetchResult{}, parseErr(s.desc.Name, fmt.Errorf("parse feed: %w", err))
	}

	limit := req.limit(s.desc.ItemCap)
	until := req.until()
	now := time.Now().UTC()
	var res FetchResult
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		pub := item.PublishedParsed
		if pub == nil {
			pub = item.UpdatedParsed
		}
		if pub != nil && ((!req.Since.IsZero() && pub.Before(req.Since)) || pub.After(until)) {
			continue
		}
		res.Items = append(res.Items, s.toRaw(item, pub, now))
		if len(res.Items) >= limit {
			res.Notes = append(res.Notes, "item cap reached")
			break
		}
	}
	return res, nil
}

func (s *rssSource) toRaw(item *gofeed.Item, pub *time.Time, now time.Time) model.RawItem {
	payload := map[string]any{
		"guid":        item.GUID,
		"title":       item.Title,
		"link":        item.Link,
		"description": item.Description,
		"published":   item.Published,
		"updated":     item.Updated,
	}
	if len(item.Categories) > 0 {
		payload["categories"] = item.Categories
	}
	it := s.rawItem(payload, now)
	it.ExternalID = item.GUID
	it.Title = item.Title
	it.Summary = item.Description
	if it.Summary == "" {
		it.Summary = item.Content
	}
	it.URL = item.Link
	if pub != nil {
		it.Published = pub.UTC().Format(time.RFC3339)
		it.DateLayouts = []string{time.RFC3339}
	} else {
		it.Published = item.Published
		it.DateLayouts = []string{time.RFC1123Z, time.RFC1123}
	}
	return it
}
