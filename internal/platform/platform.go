// Package platform enumerates the content platforms the orchestrator crawls and
// carries their per-platform capabilities.
package platform

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Code identifies a supported platform. The set is closed; unknown codes are
// rejected at the boundary by Parse.
type Code string

// Supported platforms.
const (
	Weibo    Code = "weibo"
	Zhihu    Code = "zhihu"
	Baidu    Code = "baidu"
	Toutiao  Code = "toutiao"
	Douyin   Code = "douyin"
	Bilibili Code = "bilibili"
	RSS      Code = "rss"
)

// FetchStrategy describes how an agent retrieves a platform's listing.
type FetchStrategy string

// Fetch strategies.
const (
	StrategyAPI      FetchStrategy = "api"
	StrategyHTML     FetchStrategy = "html"
	StrategyHeadless FetchStrategy = "headless"
	StrategyFeed     FetchStrategy = "feed"
)

// ErrUnknown is returned by Parse for codes outside the enumeration.
var ErrUnknown = errors.New("unknown platform")

// Capability is the static description of a platform.
type Capability struct {
	Code          Code
	DisplayName   string
	Strategy      FetchStrategy
	RatePerMinute int
	Burst         int
	FetchTimeout  time.Duration
}

var capabilities = map[Code]Capability{
	Weibo:    {Code: Weibo, DisplayName: "Weibo", Strategy: StrategyAPI, RatePerMinute: 6, Burst: 1, FetchTimeout: 15 * time.Second},
	Zhihu:    {Code: Zhihu, DisplayName: "Zhihu", Strategy: StrategyAPI, RatePerMinute: 6, Burst: 1, FetchTimeout: 15 * time.Second},
	Baidu:    {Code: Baidu, DisplayName: "Baidu", Strategy: StrategyHTML, RatePerMinute: 10, Burst: 2, FetchTimeout: 15 * time.Second},
	Toutiao:  {Code: Toutiao, DisplayName: "Toutiao", Strategy: StrategyAPI, RatePerMinute: 10, Burst: 2, FetchTimeout: 15 * time.Second},
	Douyin:   {Code: Douyin, DisplayName: "Douyin", Strategy: StrategyHeadless, RatePerMinute: 2, Burst: 1, FetchTimeout: 45 * time.Second},
	Bilibili: {Code: Bilibili, DisplayName: "Bilibili", Strategy: StrategyAPI, RatePerMinute: 10, Burst: 2, FetchTimeout: 15 * time.Second},
	RSS:      {Code: RSS, DisplayName: "RSS", Strategy: StrategyFeed, RatePerMinute: 30, Burst: 5, FetchTimeout: 20 * time.Second},
}

// Parse validates and normalizes a platform code.
func Parse(raw string) (Code, error) {
	code := Code(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := capabilities[code]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknown, raw)
	}
	return code, nil
}

// Valid reports whether c belongs to the enumeration.
func (c Code) Valid() bool {
	_, ok := capabilities[c]
	return ok
}

// String implements fmt.Stringer.
func (c Code) String() string { return string(c) }

// SourceID is the health-tracker source identifier for the platform.
func (c Code) SourceID() string { return "platform:" + string(c) }

// Capability returns the capability entry for c.
func (c Code) Capability() (Capability, bool) {
	capability, ok := capabilities[c]
	return capability, ok
}

// All returns every supported code in lexical order.
func All() []Code {
	out := make([]Code, 0, len(capabilities))
	for code := range capabilities {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Set is a canonical (sorted, duplicate-free) list of platform codes.
type Set []Code

// ParseSet parses and canonicalizes raw codes. An empty input is rejected.
func ParseSet(raw []string) (Set, error) {
	if len(raw) == 0 {
		return nil, errors.New("platform set is empty")
	}
	codes := make([]Code, 0, len(raw))
	for _, r := range raw {
		code, err := Parse(r)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return NewSet(codes...), nil
}

// NewSet builds a canonical set from codes.
func NewSet(codes ...Code) Set {
	seen := make(map[Code]struct{}, len(codes))
	out := make(Set, 0, len(codes))
	for _, code := range codes {
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Key is the stable identity of the set, used to detect duplicate tasks.
func (s Set) Key() string {
	parts := make([]string, len(s))
	for i, code := range s {
		parts[i] = string(code)
	}
	return strings.Join(parts, ",")
}

// Strings returns the codes as plain strings.
func (s Set) Strings() []string {
	out := make([]string, len(s))
	for i, code := range s {
		out[i] = string(code)
	}
	return out
}

// Override adjusts a platform's rate settings. Zero fields keep the default.
type Override struct {
	RatePerMinute int
	Burst         int
	FetchTimeout  time.Duration
}

// Table resolves capabilities with configured overrides applied.
type Table struct {
	entries map[Code]Capability
}

// NewTable validates overrides and returns the effective table.
func NewTable(overrides map[string]Override) (*Table, error) {
	entries := make(map[Code]Capability, len(capabilities))
	for code, capability := range capabilities {
		entries[code] = capability
	}
	for raw, override := range overrides {
		code, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("platform override: %w", err)
		}
		if override.RatePerMinute < 0 || override.Burst < 0 || override.FetchTimeout < 0 {
			return nil, fmt.Errorf("platform override %s: negative value", code)
		}
		entry := entries[code]
		if override.RatePerMinute > 0 {
			entry.RatePerMinute = override.RatePerMinute
		}
		if override.Burst > 0 {
			entry.Burst = override.Burst
		}
		if override.FetchTimeout > 0 {
			entry.FetchTimeout = override.FetchTimeout
		}
		entries[code] = entry
	}
	return &Table{entries: entries}, nil
}

// Lookup returns the effective capability for code.
func (t *Table) Lookup(code Code) (Capability, bool) {
	if t == nil {
		return code.Capability()
	}
	capability, ok := t.entries[code]
	return capability, ok
}
