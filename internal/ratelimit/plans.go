package ratelimit

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PlanLimits holds per-plan ceilings. Zero means no limit of that kind.
type PlanLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int `yaml:"requests_per_hour" json:"requests_per_hour"`
	RequestsPerDay    int `yaml:"requests_per_day" json:"requests_per_day"`
	TokensPerMinute   int `yaml:"tokens_per_minute" json:"tokens_per_minute"`
	TokensPerHour     int `yaml:"tokens_per_hour" json:"tokens_per_hour"`
	TokensPerDay      int `yaml:"tokens_per_day" json:"tokens_per_day"`
}

// builtInPlans are the default plan ceilings; a plans file and per-tracker
// custom limits both merge on top.
var builtInPlans = map[string]PlanLimits{
	"free":       {RequestsPerMinute: 60, RequestsPerDay: 50, TokensPerDay: 100_000},
	"pro":        {RequestsPerMinute: 60, RequestsPerDay: 1_000, TokensPerDay: 1_000_000},
	"team":       {RequestsPerMinute: 120, RequestsPerDay: 5_000, TokensPerDay: 5_000_000},
	"enterprise": {RequestsPerMinute: 300, RequestsPerDay: 20_000, TokensPerDay: 25_000_000},
}

type plansFile struct {
	Plans map[string]PlanLimits `yaml:"plans"`
}

// LoadPlansFile reads plan overrides from a YAML file of the form
//
//	plans:
//	  pro:
//	    requests_per_day: 2000
//
// and merges them over the built-in table.
func LoadPlansFile(path string) (map[string]PlanLimits, error) {
	out := make(map[string]PlanLimits, len(builtInPlans))
	for k, v := range builtInPlans {
		out[k] = v
	}
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	var pf plansFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("unmarshal plans file: %w", err)
	}
	for name, limits := range pf.Plans {
		out[normalizePlan(name)] = mergeLimits(out[normalizePlan(name)], limits)
	}
	return out, nil
}

// PlanFor resolves a plan name against the built-in table; unknown plans fall
// back to "free".
func PlanFor(name string) PlanLimits {
	if p, ok := builtInPlans[normalizePlan(name)]; ok {
		return p
	}
	return builtInPlans["free"]
}

func normalizePlan(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// mergeLimits overlays non-zero fields of over onto base.
func mergeLimits(base, over PlanLimits) PlanLimits {
	if over.RequestsPerMinute > 0 {
		base.RequestsPerMinute = over.RequestsPerMinute
	}
	if over.RequestsPerHour > 0 {
		base.RequestsPerHour = over.RequestsPerHour
	}
	if over.RequestsPerDay > 0 {
		base.RequestsPerDay = over.RequestsPerDay
	}
	if over.TokensPerMinute > 0 {
		base.TokensPerMinute = over.TokensPerMinute
	}
	if over.TokensPerHour > 0 {
		base.TokensPerHour = over.TokensPerHour
	}
	if over.TokensPerDay > 0 {
		base.TokensPerDay = over.TokensPerDay
	}
	return base
}
