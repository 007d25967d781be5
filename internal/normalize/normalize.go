package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	xhtml "golang.org/x/net/html"

	"github.com/mxwashington/regiq-sub010/internal/model"
)

const (
	MaxTitleLen   = 500
	MaxSummaryLen = 4000
	MaxURLLen     = 2048
)

// fallbackLayouts are tried after the item's own layouts.
var fallbackLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"20060102",
	"01/02/2006",
	"Jan 2, 2006",
}

// Error reports an item that cannot become an Alert.
type Error struct {
	Source string
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize %s: %s %s", e.Source, e.Field, e.Reason)
}

// Normalizer maps RawItems to Alerts. It does no I/O; the only clock it
// reads is RawItem.FetchedAt.
type Normalizer struct{}

func New() *Normalizer { return &Normalizer{} }

func (n *Normalizer) Normalize(desc model.SourceDescriptor, raw model.RawItem) (model.Alert, error) {
	title := Clean(raw.Title, MaxTitleLen)
	if title == "" {
		return model.Alert{}, &Error{Source: desc.Name, Field: "title", Reason: "is empty"}
	}
	agency := Clean(raw.Agency, 200)
	if agency == "" {
		agency = desc.Agency
	}

	payload := make(map[string]any, len(raw.Payload)+1)
	for k, v := range raw.Payload {
		payload[k] = v
	}
	published, ok := ParseDate(raw.Published, raw.DateLayouts...)
	if !ok {
		published = raw.FetchedAt.UTC()
		payload["_regiq"] = map[string]any{
			"date_fallback": true,
			"raw_published": raw.Published,
		}
	}

	return model.Alert{
		ExternalID:      truncateRunes(strings.TrimSpace(raw.ExternalID), 256),
		SourceName:      desc.Name,
		Title:           title,
		Summary:         Clean(raw.Summary, MaxSummaryLen),
		Agency:          agency,
		PublishedAt:     published,
		ExternalURL:     truncateRunes(strings.TrimSpace(raw.URL), MaxURLLen),
		RawPayload:      payload,
		NormalizedTitle: NormalizeTitle(title),
	}, nil
}

// ParseDate tries layouts, then the common fallbacks, then epoch seconds.
// The result is UTC.
func ParseDate(s string, layouts ...string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, l := range append(append([]string{}, layouts...), fallbackLayouts...) {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), true
		}
	}
	// epoch seconds or milliseconds
	if len(s) >= 10 && allDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			if len(s) >= 13 {
				return time.UnixMilli(n).UTC(), true
			}
			return time.Unix(n, 0).UTC(), true
		}
	}
	return time.Time{}, false
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Clean strips markup, unescapes entities, collapses whitespace and cuts
// the result to maxLen runes.
func Clean(s string, maxLen int) string {
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<&") {
		s = StripMarkup(s)
	}
	return truncateRunes(strings.Join(strings.Fields(s), " "), maxLen)
}

// StripMarkup returns the unescaped text content of an HTML fragment.
// Script and style bodies are dropped; block elements become spaces.
func StripMarkup(s string) string {
	z := xhtml.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case xhtml.ErrorToken:
			// io.EOF or malformed input; either way we keep what we have
			return b.String()
		case xhtml.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case xhtml.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "br", "p", "div", "li", "tr", "td", "h1", "h2", "h3", "h4":
				b.WriteByte(' ')
			}
		case xhtml.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if skip > 0 {
					skip--
				}
			case "p", "div", "li", "tr", "td", "h1", "h2", "h3", "h4":
				b.WriteByte(' ')
			}
		case xhtml.SelfClosingTagToken:
			b.WriteByte(' ')
		}
	}
}

// NormalizeTitle is the dedup fallback key: lowercase, punctuation and
// symbols removed, whitespace runs collapsed.
func NormalizeTitle(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
