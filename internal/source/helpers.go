package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mxwashington/regiq-sub010/internal/model"
	"github.com/mxwashington/regiq-sub010/internal/util"
)

const maxBody = 16 << 20

// pickStr returns the first non-empty string value among keys.
func pickStr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				s2 := strings.TrimSpace(s)
				if s2 != "" {
					return s2
				}
			}
		}
	}
	return ""
}

// httpSource carries what every HTTP-backed adapter needs.
type httpSource struct {
	desc   model.SourceDescriptor
	client *http.Client
}

func newHTTPSource(desc model.SourceDescriptor) httpSource {
	return httpSource{desc: desc, client: util.NewHTTPClient(desc.Timeout)}
}

func (h httpSource) Name() string { return h.desc.Name }

// get performs one GET and classifies the failure. Non-2xx responses are
// returned as *Error with the body snippet; callers that treat a status as
// benign (openFDA's 404) inspect it themselves.
func (h httpSource) get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", h.desc.Name, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if ua := h.desc.UserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, connErr(h.desc.Name, 0, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, connErr(h.desc.Name, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	switch {
	case resp.StatusCode/100 == 2:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return body, authErr(h.desc.Name, resp.StatusCode, errors.New(snippet(body)))
	default:
		return body, connErr(h.desc.Name, resp.StatusCode, errors.New(snippet(body)))
	}
}

func (h httpSource) decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return parseErr(h.desc.Name, fmt.Errorf("decode %s payload: %w", h.desc.Format, err))
	}
	return nil
}

func (h httpSource) rawItem(m map[string]any, now time.Time) model.RawItem {
	return model.RawItem{Source: h.desc.Name, Agency: h.desc.Agency, Payload: m, FetchedAt: now}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		s = s[:256]
	}
	if s == "" {
		return "empty response"
	}
	return s
}

// nested walks m along keys, returning nil when any hop is missing.
func nested(m map[string]any, keys ...string) any {
	var cur any = m
	for _, k := range keys {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = mm[k]
	}
	return cur
}

func asMaps(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, it := range arr {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func truncated(res *FetchResult, err error) {
	res.Truncated = true
	res.Notes = append(res.Notes, "pagination stopped: "+err.Error())
}
