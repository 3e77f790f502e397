package highlights

import (
	"context"
	"sort"
	"strings"
	"time"
)

// UncategorizedColor selects highlights whose color is outside the palette.
const UncategorizedColor = "uncategorized"

type Filter struct {
	Color   string
	Website string
	HasNote bool
	Search  string
	// Newest orders matches by timestamp, newest first. Otherwise matches
	// keep stored order.
	Newest bool
}

type PageSummary struct {
	URL           string `json:"url"`
	Title         string `json:"title"`
	Website       string `json:"website"`
	Highlights    int    `json:"highlights"`
	Notes         int    `json:"notes"`
	LastTimestamp string `json:"lastTimestamp"`
}

// Query returns matching highlights in stored order unless filter.Newest
// is set.
func (s *Store) Query(ctx context.Context, filter Filter) ([]Highlight, error) {
	var out []Highlight
	err := s.do(ctx, "query", func(ctx context.Context) error {
		if err := s.ensureLoadedLocked(ctx); err != nil {
			return err
		}
		out = FilterHighlights(s.cache, filter)
		return nil
	})
	return out, err
}

func (s *Store) Pages(ctx context.Context) ([]PageSummary, error) {
	var out []PageSummary
	err := s.do(ctx, "pages", func(ctx context.Context) error {
		if err := s.ensureLoadedLocked(ctx); err != nil {
			return err
		}
		out = SummarizePages(s.cache)
		return nil
	})
	return out, err
}

func FilterHighlights(collection []Highlight, filter Filter) []Highlight {
	color := strings.ToLower(strings.TrimSpace(filter.Color))
	if color == "all" {
		color = ""
	}
	website := strings.ToLower(strings.TrimSpace(filter.Website))
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	out := []Highlight{}
	for _, h := range collection {
		switch {
		case color == UncategorizedColor && IsPaletteColor(h.Color):
			continue
		case color != "" && color != UncategorizedColor && strings.ToLower(h.Color) != color:
			continue
		case website != "" && strings.ToLower(h.Website) != website:
			continue
		case filter.HasNote && strings.TrimSpace(h.Note) == "":
			continue
		case search != "" && !matchesSearch(h, search):
			continue
		}
		out = append(out, h)
	}
	if filter.Newest {
		sort.SliceStable(out, func(i, j int) bool {
			return timestampAfter(out[i].Timestamp, out[j].Timestamp)
		})
	}
	return out
}

func SummarizePages(collection []Highlight) []PageSummary {
	index := map[string]int{}
	pages := []PageSummary{}
	for _, h := range collection {
		i, ok := index[h.URL]
		if !ok {
			i = len(pages)
			index[h.URL] = i
			pages = append(pages, PageSummary{
				URL:     h.URL,
				Title:   h.Title,
				Website: h.Website,
			})
		}
		page := &pages[i]
		page.Highlights++
		if strings.TrimSpace(h.Note) != "" {
			page.Notes++
		}
		if page.LastTimestamp == "" || timestampAfter(h.Timestamp, page.LastTimestamp) {
			page.LastTimestamp = h.Timestamp
			if h.Title != "" {
				page.Title = h.Title
			}
		}
	}
	sort.SliceStable(pages, func(i, j int) bool {
		return timestampAfter(pages[i].LastTimestamp, pages[j].LastTimestamp)
	})
	return pages
}

func matchesSearch(h Highlight, needle string) bool {
	for _, field := range []string{h.Text, h.Title, h.Note, h.URL} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func timestampAfter(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA == nil && errB == nil {
		return ta.After(tb)
	}
	if errA == nil {
		return true
	}
	if errB == nil {
		return false
	}
	return a > b
}
