package highlights

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const UntitledTitle = "Untitled"

// NotionProperties is a page property payload as sent on create and update.
type NotionProperties map[string]any

type NotionPage struct {
	ID         string                         `json:"id"`
	Properties map[string]NotionPropertyValue `json:"properties"`
}

type NotionPropertyValue struct {
	Type     string           `json:"type,omitempty"`
	Title    []NotionRichText `json:"title,omitempty"`
	RichText []NotionRichText `json:"rich_text,omitempty"`
	URL      *string          `json:"url,omitempty"`
	Date     *NotionDate      `json:"date,omitempty"`
}

type NotionRichText struct {
	PlainText string      `json:"plain_text,omitempty"`
	Text      *NotionText `json:"text,omitempty"`
}

type NotionText struct {
	Content string `json:"content"`
}

type NotionDate struct {
	Start string `json:"start"`
}

// Content returns the first title or rich text fragment.
func (v NotionPropertyValue) Content() string {
	fragments := v.RichText
	if len(v.Title) > 0 {
		fragments = v.Title
	}
	if len(fragments) == 0 {
		return ""
	}
	if fragments[0].Text != nil {
		return fragments[0].Text.Content
	}
	return fragments[0].PlainText
}

func (p NotionPage) property(name string) NotionPropertyValue {
	return p.Properties[name]
}

func (p NotionPage) website() string {
	if v := p.property("Website").URL; v != nil {
		return *v
	}
	return ""
}

// NotionAPI is the slice of the notes database API the sync needs.
type NotionAPI interface {
	QueryDatabase(ctx context.Context, databaseID string) ([]NotionPage, error)
	CreatePage(ctx context.Context, databaseID string, properties NotionProperties) (NotionPage, error)
	UpdatePage(ctx context.Context, pageID string, properties NotionProperties) (NotionPage, error)
}

func richText(content string) map[string]any {
	return map[string]any{
		"rich_text": []map[string]any{{"text": map[string]string{"content": content}}},
	}
}

// HighlightProperties maps a highlight onto the database columns. An
// unusable url becomes a null Website.
func HighlightProperties(h Highlight) NotionProperties {
	var website any
	if sanitized := SanitizeURL(h.URL); sanitized != "" {
		website = sanitized
	}
	title := h.Title
	if title == "" {
		title = UntitledTitle
	}
	color := h.Color
	if color == "" {
		color = DefaultColor
	}
	return NotionProperties{
		"Date":    map[string]any{"date": map[string]string{"start": h.Timestamp}},
		"Website": map[string]any{"url": website},
		"Title": map[string]any{
			"title": []map[string]any{{"text": map[string]string{"content": title}}},
		},
		"Text":  richText(h.Text),
		"Color": richText(color),
		"Note":  richText(h.Note),
	}
}

// PageToHighlight maps a database page to a fresh highlight with a new id.
// Pages without text or a usable url yield ErrMalformedRecord.
func PageToHighlight(page NotionPage, now time.Time) (Highlight, error) {
	pageURL := SanitizeURL(page.website())
	timestamp := ""
	if date := page.property("Date").Date; date != nil {
		timestamp = strings.TrimSpace(date.Start)
	}
	if timestamp == "" {
		timestamp = FormatTimestamp(now)
	}
	h := Highlight{
		ID:        NewHighlightID(now),
		Text:      page.property("Text").Content(),
		URL:       pageURL,
		Website:   WebsiteFromURL(pageURL),
		Title:     page.property("Title").Content(),
		Color:     page.property("Color").Content(),
		Note:      page.property("Note").Content(),
		Timestamp: timestamp,
	}
	if h.Title == "" {
		h.Title = UntitledTitle
	}
	if h.Color == "" {
		h.Color = DefaultColor
	}
	if err := h.Validate(); err != nil {
		return Highlight{}, fmt.Errorf("page %s: %w", page.ID, err)
	}
	return h, nil
}

type PushResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// NotionSync pushes local highlights to the notes database and imports pages
// back through the store's merge.
type NotionSync struct {
	api        NotionAPI
	databaseID string
	store      *Store
	log        zerolog.Logger
	now        func() time.Time
}

func NewNotionSync(api NotionAPI, databaseID string, store *Store, logger zerolog.Logger) *NotionSync {
	return &NotionSync{
		api:        api,
		databaseID: strings.TrimSpace(databaseID),
		store:      store,
		log:        logger.With().Str("component", "notion_sync").Logger(),
		now:        time.Now,
	}
}

// Push creates a page for every highlight whose (text, url) is not already
// in the database.
func (n *NotionSync) Push(ctx context.Context, collection []Highlight) (PushResult, error) {
	return n.reconcile(ctx, collection, true, false)
}

// PushNotes patches the Note column of existing pages whose note differs
// from the local one.
func (n *NotionSync) PushNotes(ctx context.Context, collection []Highlight) (PushResult, error) {
	return n.reconcile(ctx, collection, false, true)
}

// Sync does Push and PushNotes against a single database listing.
func (n *NotionSync) Sync(ctx context.Context, collection []Highlight) (PushResult, error) {
	return n.reconcile(ctx, collection, true, true)
}

func (n *NotionSync) reconcile(ctx context.Context, collection []Highlight, create, patchNotes bool) (PushResult, error) {
	var result PushResult
	pages, err := n.api.QueryDatabase(ctx, n.databaseID)
	if err != nil {
		n.log.Error().Err(err).Msg("failed to list notes database pages")
		return result, err
	}
	existing := make(map[string]NotionPage, len(pages))
	for _, page := range pages {
		text := page.property("Text").Content()
		pageURL := page.website()
		if text == "" || pageURL == "" {
			continue
		}
		existing[IdentityKey(text, pageURL)] = page
	}

	for _, h := range collection {
		page, found := existing[h.Key()]
		if !found {
			page, found = existing[IdentityKey(h.Text, SanitizeURL(h.URL))]
		}
		if found {
			if patchNotes && page.ID != "" && page.property("Note").Content() != h.Note {
				if _, err := n.api.UpdatePage(ctx, page.ID, NotionProperties{"Note": richText(h.Note)}); err != nil {
					n.log.Error().Err(err).Str("page_id", page.ID).Msg("failed to update note in notes database")
					return result, err
				}
				notionPagesTotal.WithLabelValues("updated").Inc()
				result.Updated++
				continue
			}
			result.Skipped++
			continue
		}
		if !create {
			result.Skipped++
			continue
		}
		created, err := n.api.CreatePage(ctx, n.databaseID, HighlightProperties(h))
		if err != nil {
			n.log.Error().Err(err).Str("url", h.URL).Msg("failed to create notes database page")
			return result, err
		}
		notionPagesTotal.WithLabelValues("created").Inc()
		result.Created++
		if created.ID == "" {
			created = NotionPage{Properties: map[string]NotionPropertyValue{}}
		}
		existing[h.Key()] = created
	}
	n.log.Info().Int("created", result.Created).Int("updated", result.Updated).Int("skipped", result.Skipped).Msg("notes database push finished")
	return result, nil
}

// Import merges every database page into the store. The returned result
// carries the full merged collection.
func (n *NotionSync) Import(ctx context.Context) (ImportResult, error) {
	pages, err := n.api.QueryDatabase(ctx, n.databaseID)
	if err != nil {
		n.log.Error().Err(err).Msg("failed to list notes database pages for import")
		return ImportResult{}, err
	}
	now := n.now()
	batch := make([]Highlight, 0, len(pages))
	malformed := 0
	for _, page := range pages {
		h, err := PageToHighlight(page, now)
		if err != nil {
			malformed++
			n.log.Debug().Err(err).Msg("skipping unusable notes database page")
			continue
		}
		batch = append(batch, h)
	}
	if malformed > 0 {
		mergeRecordsTotal.WithLabelValues("dropped").Add(float64(malformed))
		n.log.Warn().Int("dropped", malformed).Msg("dropped malformed pages during import")
	}
	result, err := n.store.Import(ctx, batch)
	if err != nil {
		return ImportResult{}, err
	}
	result.Dropped += malformed
	notionPagesTotal.WithLabelValues("imported").Add(float64(result.NewCount))
	return result, nil
}
