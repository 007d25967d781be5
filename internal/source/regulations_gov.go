package source

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mxwashington/regiq-sub010/internal/model"
)

const (
	regulationsGovDefaultURL = "https://api.regulations.gov/v4/documents"
	regulationsGovDocURL     = "https://www.regulations.gov/document/"
	regulationsGovPageSize   = 25
	regulationsGovDemoKey    = "DEMO_KEY"
)

// regulationsGovSource reads the Regulations.gov v4 JSON:API. Without a
// configured key it uses DEMO_KEY and the public rate limit.
type regulationsGovSource struct {
	httpSource
}

func NewRegulationsGovSource(desc model.SourceDescriptor) *regulationsGovSource {
	return &regulationsGovSource{httpSource: newHTTPSource(desc)}
}

type regulationsGovResponse struct {
	Data []map[string]any `json:"data"`
	Meta struct {
		HasNextPage   bool `json:"hasNextPage"`
		TotalElements int  `json:"totalElements"`
	} `json:"meta"`
}

func (s *regulationsGovSource) apiKey() string {
	if k := strings.TrimSpace(s.desc.Credential); k != "" {
		return k
	}
	return regulationsGovDemoKey
}

func (s *regulationsGovSource) pageURL(req FetchRequest, page, size int) string {
	q := url.Values{}
	q.Set("page[size]", strconv.Itoa(size))
	q.Set("page[number]", strconv.Itoa(page))
	q.Set("sort", "-postedDate")
	if !req.Since.IsZero() {
		q.Set("filter[postedDate][ge]", req.Since.UTC().Format("2006-01-02"))
	}
	q.Set("filter[postedDate][le]", req.until().Format("2006-01-02"))
	if ids := s.desc.Param("agency_ids", ""); ids != "" {
		q.Set("filter[agencyId]", ids)
	}
	return s.desc.Endpoint(regulationsGovDefaultURL) + "?" + q.Encode()
}

func (s *regulationsGovSource) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	limit := req.limit(s.desc.ItemCap)
	now := time.Now().UTC()
	header := http.Header{}
	header.Set("X-Api-Key", s.apiKey())
	header.Set("Accept", "application/vnd.api+json")

	var res FetchResult
	for page := 1; len(res.Items) < limit; page++ {
		if page > 1 {
			if err := req.acquirePage(); err != nil {
				truncated(&res, err)
				break
			}
		}
		body, err := s.get(ctx, s.pageURL(req, page, regulationsGovPageSize), header)
		if err != nil {
			return FetchResult{}, err
		}
		var resp regulationsGovResponse
		if err := s.decode(body, &resp); err != nil {
			return FetchResult{}, err
		}
		for _, m := range resp.Data {
			res.Items = append(res.Items, s.toRaw(m, now))
			if len(res.Items) >= limit {
				break
			}
		}
		if len(resp.Data) == 0 || !resp.Meta.HasNextPage {
			break
		}
	}
	return res, nil
}

func (s *regulationsGovSource) toRaw(m map[string]any, now time.Time) model.RawItem {
	it := s.rawItem(m, now)
	attrs, _ := m["attributes"].(map[string]any)
	it.ExternalID = pickStr(m, "id")
	it.Title = pickStr(attrs, "title")
	var parts []string
	if t := pickStr(attrs, "documentType"); t != "" {
		parts = append(parts, t)
	}
	if d := pickStr(attrs, "docketId"); d != "" {
		parts = append(parts, "Docket "+d)
	}
	if c := pickStr(attrs, "commentEndDate"); c != "" {
		parts = append(parts, "Comments due "+c)
	}
	it.Summary = strings.Join(parts, " | ")
	if a := pickStr(attrs, "agencyId"); a != "" {
		it.Agency = a
	}
	it.Published = pickStr(attrs, "postedDate", "lastModifiedDate")
	it.DateLayouts = []string{time.RFC3339, "2006-01-02"}
	if it.ExternalID != "" {
		it.URL = regulationsGovDocURL + it.ExternalID
	}
	return it
}
