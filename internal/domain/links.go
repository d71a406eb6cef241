package domain

import "strings"

// NormalizeLinks turns the free-form metadata "links" value into a list of
// {url, label} objects. Strings become links labelled with their url, blank
// urls are dropped and duplicates (by url) keep their first occurrence.
func NormalizeLinks(raw any) []any {
	var items []any
	switch v := raw.(type) {
	case nil:
		return []any{}
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case []map[string]any:
		for _, m := range v {
			items = append(items, m)
		}
	default:
		items = []any{v}
	}

	seen := make(map[string]struct{}, len(items))
	out := make([]any, 0, len(items))
	for _, item := range items {
		var url, label string
		switch l := item.(type) {
		case string:
			url = strings.TrimSpace(l)
		case map[string]any:
			url, _ = l["url"].(string)
			label, _ = l["label"].(string)
			url = strings.TrimSpace(url)
			label = strings.TrimSpace(label)
		default:
			continue
		}
		if url == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		if label == "" {
			label = url
		}
		out = append(out, map[string]any{"url": url, "label": label})
	}
	return out
}
