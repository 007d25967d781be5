package source

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mxwashington/regiq-sub010/internal/model"
)

const (
	federalRegisterDefaultURL = "https://www.federalregister.gov/api/v1/documents.json"
	federalRegisterPageSize   = 100
	federalRegisterLayout     = "2006-01-02"
)

type federalRegisterSource struct {
	httpSource
}

func NewFederalRegisterSource(desc model.SourceDescriptor) *federalRegisterSource {
	return &federalRegisterSource{httpSource: newHTTPSource(desc)}
}

type federalRegisterResponse struct {
	Count      int              `json:"count"`
	TotalPages int              `json:"total_pages"`
	Results    []map[string]any `json:"results"`
}

func (s *federalRegisterSource) pageURL(req FetchRequest, page, size int) string {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(size))
	q.Set("page", strconv.Itoa(page))
	q.Set("order", "newest")
	if !req.Since.IsZero() {
		q.Set("conditions[publication_date][gte]", req.Since.UTC().Format(federalRegisterLayout))
	}
	q.Set("conditions[publication_date][lte]", req.until().Format(federalRegisterLayout))
	for _, a := range strings.Split(s.desc.Param("agencies", ""), ",") {
		if a = strings.TrimSpace(a); a != "" {
			q.Add("conditions[agencies][]", a)
		}
	}
	return s.desc.Endpoint(federalRegisterDefaultURL) + "?" + q.Encode()
}

func (s *federalRegisterSource) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	limit := req.limit(s.desc.ItemCap)
	now := time.Now().UTC()
	var res FetchResult

	for page := 1; len(res.Items) < limit; page++ {
		if page > 1 {
			if err := req.acquirePage(); err != nil {
				truncated(&res, err)
				break
			}
		}
		// page numbers count in per_page units, so the size stays fixed
		// and the last page is trimmed locally
		body, err := s.get(ctx, s.pageURL(req, page, federalRegisterPageSize), nil)
		if err != nil {
			return FetchResult{}, err
		}
		var resp federalRegisterResponse
		if err := s.decode(body, &resp); err != nil {
			return FetchResult{}, err
		}
		for _, m := range resp.Results {
			res.Items = append(res.Items, s.toRaw(m, now))
			if len(res.Items) >= limit {
				break
			}
		}
		if len(resp.Results) == 0 || page >= resp.TotalPages {
			break
		}
	}
	return res, nil
}

func (s *federalRegisterSource) toRaw(m map[string]any, now time.Time) model.RawItem {
	it := s.rawItem(m, now)
	it.ExternalID = pickStr(m, "document_number")
	it.Title = pickStr(m, "title")
	it.Summary = pickStr(m, "abstract", "excerpts")
	it.URL = pickStr(m, "html_url", "pdf_url")
	it.Published = pickStr(m, "publication_date")
	it.DateLayouts = []string{federalRegisterLayout}
	if ag := asMaps(m["agencies"]); len(ag) > 0 {
		if name := pickStr(ag[0], "name", "raw_name"); name != "" {
			it.Agency = name
		}
	}
	return it
}
