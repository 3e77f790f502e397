package highlights

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout matches the ISO-8601 form browsers produce for capture times.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

const DefaultColor = "#ffeb3b"

// Palette is the fixed set of highlight colors offered at capture time.
var Palette = []string{
	"#ffeb3b",
	"#4caf50",
	"#2196f3",
	"#9c27b0",
	"#f44336",
	"#ff9800",
}

type Highlight struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	URL       string `json:"url"`
	Website   string `json:"website"`
	Title     string `json:"title"`
	Color     string `json:"color"`
	Note      string `json:"note,omitempty"`
	Timestamp string `json:"timestamp"`
}

// CaptureInput is what the capturing side knows about a selection. ID and
// Timestamp are normally empty and get assigned by NewHighlight.
type CaptureInput struct {
	ID        string
	Text      string
	URL       string
	Website   string
	Title     string
	Color     string
	Note      string
	Timestamp string
}

func NewHighlight(in CaptureInput, now time.Time) Highlight {
	h := Highlight{
		ID:        strings.TrimSpace(in.ID),
		Text:      in.Text,
		URL:       strings.TrimSpace(in.URL),
		Website:   strings.TrimSpace(in.Website),
		Title:     in.Title,
		Color:     strings.TrimSpace(in.Color),
		Note:      in.Note,
		Timestamp: strings.TrimSpace(in.Timestamp),
	}
	if h.ID == "" {
		h.ID = NewHighlightID(now)
	}
	if h.Timestamp == "" {
		h.Timestamp = FormatTimestamp(now)
	}
	if h.Website == "" {
		h.Website = WebsiteFromURL(h.URL)
	}
	if h.Color == "" {
		h.Color = DefaultColor
	}
	return h
}

// NewHighlightID returns "highlight-<unix millis>-<9 random chars>".
func NewHighlightID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("highlight-%d-%s", now.UnixMilli(), suffix[:9])
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// IdentityKey is the dedup key shared by every merge path.
func IdentityKey(text, url string) string {
	return text + "\x00" + url
}

func (h Highlight) Key() string {
	return IdentityKey(h.Text, h.URL)
}

func (h Highlight) Validate() error {
	if strings.TrimSpace(h.Text) == "" {
		return fmt.Errorf("%w: missing text", ErrMalformedRecord)
	}
	if strings.TrimSpace(h.URL) == "" {
		return fmt.Errorf("%w: missing url", ErrMalformedRecord)
	}
	return nil
}

func IsPaletteColor(color string) bool {
	color = strings.ToLower(strings.TrimSpace(color))
	for _, candidate := range Palette {
		if candidate == color {
			return true
		}
	}
	return false
}

func DefaultColorLabels() map[string]string {
	return map[string]string{
		"#ffeb3b": "Yellow",
		"#4caf50": "Green",
		"#2196f3": "Blue",
		"#9c27b0": "Purple",
		"#f44336": "Red",
		"#ff9800": "Orange",
	}
}

func WebsiteFromURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

// SanitizeURL returns raw when it is an absolute URL, retries with an https
// scheme when the scheme is missing, and returns "" otherwise.
func SanitizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if isAbsoluteURL(raw) {
		return raw
	}
	withScheme := "https://" + raw
	if isAbsoluteURL(withScheme) {
		return withScheme
	}
	return ""
}

func isAbsoluteURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return parsed.Scheme != "" && (parsed.Host != "" || parsed.Opaque != "")
}

func cloneHighlights(in []Highlight) []Highlight {
	if in == nil {
		return []Highlight{}
	}
	return append([]Highlight(nil), in...)
}
