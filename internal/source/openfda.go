package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mxwashington/regiq-sub010/internal/model"
)

const (
	openFDADefaultURL = "https://api.fda.gov/food/enforcement.json"
	openFDAPageSize   = 100
	openFDALayout     = "20060102"
)

// openFDASource reads the openFDA enforcement (recall) endpoints.
type openFDASource struct {
	httpSource
}

func NewOpenFDASource(desc model.SourceDescriptor) *openFDASource {
	return &openFDASource{httpSource: newHTTPSource(desc)}
}

type openFDAResponse struct {
	Meta struct {
		Results struct {
			Skip  int `json:"skip"`
			Limit int `json:"limit"`
			Total int `json:"total"`
		} `json:"results"`
	} `json:"meta"`
	Results []map[string]any `json:"results"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *openFDASource) pageURL(req FetchRequest, skip, size int) string {
	q := url.Values{}
	q.Set("search", fmt.Sprintf("report_date:[%s TO %s]",
		req.Since.UTC().Format(openFDALayout), req.until().Format(openFDALayout)))
	q.Set("sort", "report_date:desc")
	q.Set("limit", strconv.Itoa(size))
	if skip > 0 {
		q.Set("skip", strconv.Itoa(skip))
	}
	if k := strings.TrimSpace(s.desc.Credential); k != "" {
		q.Set("api_key", k)
	}
	return s.desc.Endpoint(openFDADefaultURL) + "?" + q.Encode()
}

// Fetch pages through enforcement reports newest first. openFDA answers a
// query with no matches with 404 NOT_FOUND, which is an empty result.
func (s *openFDASource) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	limit := req.limit(s.desc.ItemCap)
	var res FetchResult
	now := time.Now().UTC()

	for skip := 0; len(res.Items) < limit; {
		if skip > 0 {
			if err := req.acquirePage(); err != nil {
				truncated(&res, err)
				break
			}
		}
		size := min(openFDAPageSize, limit-len(res.Items))
		body, err := s.get(ctx, s.pageURL(req, skip, size), nil)
		if err != nil {
			var se *Error
			if errors.As(err, &se) && se.Status == 404 && strings.Contains(string(body), "NOT_FOUND") {
				break
			}
			return FetchResult{}, err
		}
		var page openFDAResponse
		if err := s.decode(body, &page); err != nil {
			return FetchResult{}, err
		}
		if page.Error != nil && page.Error.Code != "" {
			if page.Error.Code == "NOT_FOUND" {
				break
			}
			return FetchResult{}, parseErr(s.desc.Name, fmt.Errorf("openfda error %s: %s", page.Error.Code, page.Error.Message))
		}
		for _, m := range page.Results {
			res.Items = append(res.Items, s.toRaw(m, now))
			if len(res.Items) >= limit {
				break
			}
		}
		skip += len(page.Results)
		if len(page.Results) < size || (page.Meta.Results.Total > 0 && skip >= page.Meta.Results.Total) {
			break
		}
	}
	return res, nil
}

func (s *openFDASource) toRaw(m map[string]any, now time.Time) model.RawItem {
	it := s.rawItem(m, now)
	it.ExternalID = pickStr(m, "recall_number", "event_id")
	product := pickStr(m, "product_description")
	firm := pickStr(m, "recalling_firm")
	switch {
	case firm != "" && product != "":
		it.Title = firm + ": " + product
	case product != "":
		it.Title = product
	default:
		it.Title = pickStr(m, "reason_for_recall")
	}
	parts := []string{}
	if r := pickStr(m, "reason_for_recall"); r != "" {
		parts = append(parts, r)
	}
	if c := pickStr(m, "classification"); c != "" {
		parts = append(parts, "Classification: "+c)
	}
	if d := pickStr(m, "distribution_pattern"); d != "" {
		parts = append(parts, "Distribution: "+d)
	}
	it.Summary = strings.Join(parts, "\n")
	it.Published = pickStr(m, "report_date", "recall_initiation_date")
	it.DateLayouts = []string{openFDALayout}
	if it.ExternalID != "" {
		it.URL = "https://www.accessdata.fda.gov/scripts/ires/index.cfm?action=Search.Results&searchCriteria=" + url.QueryEscape(it.ExternalID)
	}
	return it
}
