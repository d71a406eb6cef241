package domain

import (
	"sort"
	"strings"
)

// StatusOption is one entry of a definition's ordered status enumeration.
type StatusOption struct {
	ID       string `json:"id" yaml:"id"`
	Label    string `json:"label" yaml:"label"`
	Color    string `json:"color,omitempty" yaml:"color,omitempty"`
	Order    int    `json:"order" yaml:"order"`
	Terminal bool   `json:"terminal,omitempty" yaml:"terminal,omitempty"`
}

// Well-known status ids the engine falls back to when a definition declares them.
const (
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// NormalizeStatuses validates a status list and returns a trimmed copy
// sorted ascending by Order.
func NormalizeStatuses(in []StatusOption) ([]StatusOption, error) {
	if len(in) == 0 {
		return nil, Invalid("statuses", "at least one status is required")
	}

	out := make([]StatusOption, len(in))
	ids := make(map[string]struct{}, len(in))
	orders := make(map[int]struct{}, len(in))
	for i, s := range in {
		s.ID = strings.TrimSpace(s.ID)
		s.Label = strings.TrimSpace(s.Label)
		s.Color = strings.TrimSpace(s.Color)

		if s.ID == "" {
			return nil, Invalid("statuses", "status at index %d has an empty id", i)
		}
		if _, dup := ids[s.ID]; dup {
			return nil, Invalid("statuses", "duplicate status id %q", s.ID)
		}
		if _, dup := orders[s.Order]; dup {
			return nil, Invalid("statuses", "duplicate status order %d", s.Order)
		}
		ids[s.ID] = struct{}{}
		orders[s.Order] = struct{}{}
		out[i] = s
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}
