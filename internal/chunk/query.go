package chunk

import (
	"sort"
	"strings"
)

// Query selects chunks. Filters apply first, then ordering, then
// Offset and Limit. A zero Query returns every chunk in insertion order.
type Query struct {
	Limit          int               `json:"limit"`
	Offset         int               `json:"offset"`
	MinDuration    int64             `json:"min_duration,omitempty"`
	Text           string            `json:"text,omitempty"`
	Attrs          map[string]string `json:"attrs,omitempty"`
	SortByDuration bool              `json:"sort_by_duration,omitempty"`

	AgentID      string `json:"agent_id,omitempty"`
	TraceID      string `json:"trace_id,omitempty"`
	SpanID       uint64 `json:"span_id,omitempty"`
	ErrorsOnly   bool   `json:"errors_only,omitempty"`
	SpansOnly    bool   `json:"spans_only,omitempty"`
	TopLevelOnly bool   `json:"top_level_only,omitempty"`
	MinTstart    int64  `json:"min_tstart,omitempty"`
	MaxTstart    int64  `json:"max_tstart,omitempty"`
}

// Normalize clamps negative paging values.
func (q *Query) Normalize() {
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Limit < 0 {
		q.Limit = 0
	}
}

// Match reports whether c passes every filter of q.
func (q Query) Match(c *Chunk) bool {
	if c.Duration < q.MinDuration {
		return false
	}
	if q.AgentID != "" && c.AgentID != q.AgentID {
		return false
	}
	if q.TraceID != "" && c.TraceID != q.TraceID {
		return false
	}
	if q.SpanID != 0 && c.SpanID != q.SpanID {
		return false
	}
	if q.ErrorsOnly && !c.HasError() {
		return false
	}
	if q.SpansOnly && !c.Span {
		return false
	}
	if q.TopLevelOnly && c.Depth != 0 {
		return false
	}
	if q.MinTstart != 0 && c.Tstart < q.MinTstart {
		return false
	}
	if q.MaxTstart != 0 && c.Tstart > q.MaxTstart {
		return false
	}
	for k, v := range q.Attrs {
		if got, ok := c.Attrs[k]; !ok || got != v {
			return false
		}
	}
	if q.Text != "" && !matchText(c, q.Text) {
		return false
	}
	return true
}

func matchText(c *Chunk, text string) bool {
	if strings.Contains(c.Method, text) || strings.Contains(c.Class, text) {
		return true
	}
	for _, v := range c.Attrs {
		if strings.Contains(v, text) {
			return true
		}
	}
	if c.Exception != nil && strings.Contains(c.Exception.Message, text) {
		return true
	}
	return false
}

// apply filters, orders and pages chunks. The input slice is not modified.
func (q Query) apply(all []*Chunk) []*Chunk {
	q.Normalize()
	var out []*Chunk
	for _, c := range all {
		if q.Match(c) {
			out = append(out, c)
		}
	}
	if q.SortByDuration {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Duration < out[j].Duration
		})
	}
	if q.Offset >= len(out) {
		return nil
	}
	out = out[q.Offset:]
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
