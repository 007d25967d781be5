package source

import (
	"context"
	"strings"
	"time"

	"github.com/mxwashington/regiq-sub010/internal/model"
)

const (
	fsisDefaultURL = "https://www.fsis.usda.gov/fsis/api/recall/v/1"
	fsisRecallsURL = "https://www.fsis.usda.gov/recalls"
	fsisLayout     = "2006-01-02"
)

// fsisSource reads the USDA FSIS recall API. The endpoint returns every
// notice in one unpaged array; filtering to the window happens here. The
// feed has no identifier stable across republication, so items carry
// none and dedup falls back to title and date.
type fsisSource struct {
	httpSource
}

func NewFSISSource(desc model.SourceDescriptor) *fsisSource {
	return &fsisSource{httpSource: newHTTPSource(desc)}
}

func (s *fsisSource) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	body, err := s.get(ctx, s.desc.Endpoint(fsisDefaultURL), nil)
	if err != nil {
		return FetchResult{}, err
	}
	var rows []map[string]any
	if err := s.decode(body, &rows); err != nil {
		return FetchResult{}, err
	}

	limit := req.limit(s.desc.ItemCap)
	since := req.Since.UTC().Truncate(24 * time.Hour)
	until := req.until()
	now := time.Now().UTC()
	lang := s.desc.Param("langcode", "English")

	var res FetchResult
	for _, m := range rows {
		if l := pickStr(m, "langcode"); l != "" && lang != "" && !strings.EqualFold(l, lang) {
			continue
		}
		published := pickStr(m, "field_recall_date", "field_last_modified_date")
		if t, err := time.Parse(fsisLayout, published); err == nil {
			if (!req.Since.IsZero() && t.Before(since)) || t.After(until) {
				continue
			}
		}
		it := s.rawItem(m, now)
		it.Title = pickStr(m, "field_title")
		it.Summary = pickStr(m, "field_summary", "field_recall_reason")
		it.Published = published
		it.DateLayouts = []string{fsisLayout}
		it.URL = fsisRecallsURL
		res.Items = append(res.Items, it)
		if len(res.Items) >= limit {
			res.Notes = append(res.Notes, "item cap reached")
			break
		}
	}
	return res, nil
}
