// Package usage maintains a best-effort context usage estimate per agent
// session by probing the agent with a /usage prompt and parsing the block
// it prints on stderr.
package usage

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Markers delimiting the usage block on the agent's stderr.
const (
	BlockStart = "<local-command-stdout>"
	BlockEnd   = "</local-command-stdout>"
)

// Usage is one parsed usage report.
type Usage struct {
	Model      string           `json:"model,omitempty"`
	Current    int64            `json:"current"`
	Max        int64            `json:"max"`
	Percentage float64          `json:"percentage"` // fraction in [0, 1]
	Categories map[string]int64 `json:"categories,omitempty"`
	CheckedAt  time.Time        `json:"checked_at"`
}

var (
	modelRe  = regexp.MustCompile(`(?i)^\s*model:?\s+(\S+)`)
	tokensRe = regexp.MustCompile(`(\d+(?:\.\d+)?k?)\s*/\s*(\d+(?:\.\d+)?k?)\s*\(\s*(\d+(?:\.\d+)?)\s*%\s*\)`)
	// Category rows: a name, at least two spaces, a token count.
	categoryRe = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9 _./-]*?)\s{2,}(\d+(?:\.\d+)?k?)\s*$`)
)

// ParseBlock parses the lines between the block markers. It expects a
// model line, a current/max (pct%) token line and an optional category
// table; numbers may carry a k suffix meaning thousands.
func ParseBlock(lines []string) (*Usage, error) {
	u := &Usage{CheckedAt: time.Now()}
	haveTokens := false

	for _, line := range lines {
		if m := modelRe.FindStringSubmatch(line); m != nil && u.Model == "" {
			u.Model = m[1]
			continue
		}
		if m := tokensRe.FindStringSubmatch(line); m != nil && !haveTokens {
			current, err := parseAmount(m[1])
			if err != nil {
				return nil, err
			}
			max, err := parseAmount(m[2])
			if err != nil {
				return nil, err
			}
			pct, err := strconv.ParseFloat(m[3], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid percentage %q: %w", m[3], err)
			}
			u.Current, u.Max, u.Percentage = current, max, pct/100
			haveTokens = true
			continue
		}
		if m := categoryRe.FindStringSubmatch(line); m != nil {
			name := strings.TrimSpace(m[1])
			if strings.EqualFold(name, "category") {
				continue // table header
			}
			amount, err := parseAmount(m[2])
			if err != nil {
				continue
			}
			if u.Categories == nil {
				u.Categories = make(map[string]int64)
			}
			u.Categories[strings.ToLower(name)] = amount
		}
	}

	if !haveTokens {
		return nil, fmt.Errorf("no token counts found in usage block")
	}
	return u, nil
}

// parseAmount converts "106k", "3.2k" or "200000" to a token count.
func parseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	multiplier := int64(1)
	if strings.HasSuffix(s, "k") || strings.HasSuffix(s, "K") {
		multiplier = 1000
		s = s[:len(s)-1]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid token amount %q: %w", s, err)
	}
	return int64(f * float64(multiplier)), nil
}
