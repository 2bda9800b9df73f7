package fanout

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Filters narrows which inbound emails a subscription receives. Empty
// fields match everything.
type Filters struct {
	To             []string `json:"to,omitempty"`
	From           []string `json:"from,omitempty"`
	SubjectPattern string   `json:"subjectPattern,omitempty"`
}

// ParseFilters decodes the subscription's stored filter JSON. A nil or
// empty document yields match-all filters.
func ParseFilters(raw json.RawMessage) (Filters, error) {
	var f Filters
	if len(raw) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, err
	}
	return f, nil
}

// Match reports whether an email with the given stripped addresses and
// decoded subject passes the filters. An invalid subject pattern is a
// non-match.
func (f Filters) Match(from, to, subject string) bool {
	if !matchAddress(f.To, to) {
		return false
	}
	if !matchAddress(f.From, from) {
		return false
	}
	if f.SubjectPattern != "" {
		re, err := regexp.Compile("(?i)" + f.SubjectPattern)
		if err != nil {
			return false
		}
		if !re.MatchString(subject) {
			return false
		}
	}
	return true
}

// matchAddress applies the filter list to one address. "*@domain" matches
// any address at that domain; anything else is an exact, case-insensitive
// comparison. An empty list matches.
func matchAddress(patterns []string, addr string) bool {
	if len(patterns) == 0 {
		return true
	}
	addr = strings.ToLower(strings.TrimSpace(addr))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || p == "*" {
			return true
		}
		if rest, ok := strings.CutPrefix(p, "*@"); ok {
			if strings.HasSuffix(addr, "@"+rest) {
				return true
			}
			continue
		}
		if addr == p {
			return true
		}
	}
	return false
}
