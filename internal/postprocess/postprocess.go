package postprocess

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mxwashington/regiq-sub010/internal/config"
	"github.com/mxwashington/regiq-sub010/internal/model"
)

// Engine attaches labels to alerts from keyword, regex and mapping rules.
// Rules run in that order; a later rule overwrites an earlier label.
type Engine struct {
	kw   []keywordRule
	regs []regexRule
	maps []mapRule
}

type keywordRule struct {
	words  []string
	labels map[string]string
}

type regexRule struct {
	field  string
	re     *regexp.Regexp
	labels map[string]string
}

type mapRule struct {
	field   string
	outKey  string
	mapping map[string]string
}

// New compiles cfg. Blank rules are ignored; a bad expression is an error
// so that misconfiguration fails startup.
func New(cfg config.PostProcessConfig) (*Engine, error) {
	eng := &Engine{}
	for _, kr := range cfg.Keywords {
		words := make([]string, 0, len(kr.When))
		for _, w := range kr.When {
			if s := strings.TrimSpace(w); s != "" {
				words = append(words, strings.ToLower(s))
			}
		}
		if len(words) > 0 && len(kr.Labels) > 0 {
			eng.kw = append(eng.kw, keywordRule{words: words, labels: kr.Labels})
		}
	}
	for _, r := range cfg.Regex {
		if strings.TrimSpace(r.Field) == "" || strings.TrimSpace(r.Expr) == "" {
			continue
		}
		re, err := regexp.Compile(r.Expr)
		if err != nil {
			return nil, fmt.Errorf("postprocess regex %q: %w", r.Expr, err)
		}
		eng.regs = append(eng.regs, regexRule{field: r.Field, re: re, labels: r.Labels})
	}
	for _, mr := range cfg.Maps {
		if strings.TrimSpace(mr.Field) == "" || len(mr.Mapping) == 0 {
			continue
		}
		out := mr.OutKey
		if out == "" {
			out = mr.Field
		}
		eng.maps = append(eng.maps, mapRule{field: mr.Field, outKey: out, mapping: mr.Mapping})
	}
	return eng, nil
}

// Empty reports whether the engine has no rules.
func (e *Engine) Empty() bool {
	return e == nil || len(e.kw)+len(e.regs)+len(e.maps) == 0
}

func field(a *model.Alert, name string) string {
	switch strings.ToLower(name) {
	case "title":
		return a.Title
	case "summary":
		return a.Summary
	case "url":
		return a.ExternalURL
	case "agency":
		return a.Agency
	case "source":
		return a.SourceName
	default:
		return a.Labels[name]
	}
}

// Apply labels one alert in place.
func (e *Engine) Apply(a *model.Alert) {
	if e.Empty() {
		return
	}
	if a.Labels == nil {
		a.Labels = make(map[string]string, 4)
	}

	// keyword rules match when every word appears in title or summary
	titleLC := strings.ToLower(a.Title)
	sumLC := strings.ToLower(a.Summary)
	for _, kr := range e.kw {
		matched := true
		for _, w := range kr.words {
			if !strings.Contains(titleLC, w) && !strings.Contains(sumLC, w) {
				matched = false
				break
			}
		}
		if matched {
			for k, v := range kr.labels {
				a.Labels[k] = v
			}
		}
	}

	for _, rr := range e.regs {
		if val := field(a, rr.field); val != "" && rr.re.MatchString(val) {
			for k, v := range rr.labels {
				a.Labels[k] = v
			}
		}
	}

	for _, mr := range e.maps {
		if val := field(a, mr.field); val != "" {
			if mapped, ok := mr.mapping[val]; ok {
				a.Labels[mr.outKey] = mapped
			}
		}
	}
}

// ApplyAll labels every alert in place.
func (e *Engine) ApplyAll(alerts []model.Alert) {
	for i := range alerts {
		e.Apply(&alerts[i])
	}
}
