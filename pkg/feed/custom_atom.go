package feed

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/gorilla/feeds"
)

// SentimentScheme is the Atom category scheme used for summary sentiment
const SentimentScheme = "urn:feed-digest:sentiment"

// CustomAtomCategory represents a category in Atom feed
type CustomAtomCategory struct {
	XMLName xml.Name `xml:"category"`
	Term    string   `xml:"term,attr"`
	Label   string   `xml:"label,attr,omitempty"`
	Scheme  string   `xml:"scheme,attr,omitempty"`
}

// CustomAtomEntry represents an entry in a custom Atom feed
type CustomAtomEntry struct {
	XMLName    xml.Name             `xml:"entry"`
	Title      string               `xml:"title"`
	Updated    string               `xml:"updated"`
	Id         string               `xml:"id"`
	Categories []CustomAtomCategory `xml:"category"`
	Content    *feeds.AtomContent   `xml:"content,omitempty"`
	Published  string               `xml:"published,omitempty"`
	Links      []feeds.AtomLink     `xml:"link"`
	Summary    *feeds.AtomSummary   `xml:"summary,omitempty"`
	Author     *feeds.AtomAuthor    `xml:"author,omitempty"`
}

// CustomAtomFeed is an Atom feed with per-entry categories, which
// gorilla/feeds does not emit
type CustomAtomFeed struct {
	XMLName  xml.Name           `xml:"feed"`
	Xmlns    string             `xml:"xmlns,attr"`
	Title    string             `xml:"title"`
	Id       string             `xml:"id"`
	Updated  string             `xml:"updated"`
	Link     *feeds.AtomLink    `xml:"link,omitempty"`
	Author   *feeds.AtomAuthor  `xml:"author,omitempty"`
	Subtitle string             `xml:"subtitle,omitempty"`
	Entries  []*CustomAtomEntry `xml:"entry"`
}

// GenerateAtom renders items as Atom with the summary categories and
// sentiment attached to each entry
func (g *Generator) GenerateAtom(items []Item) (string, error) {
	feed := g.Generate(items)

	categories := make(map[string][]CustomAtomCategory, len(items))
	for _, item := range items {
		var cats []CustomAtomCategory
		for _, cat := range item.Categories {
			cats = append(cats, CustomAtomCategory{Term: cat, Label: cat})
		}
		if item.Sentiment != "" {
			// no label: readers prefer label over term
			cats = append(cats, CustomAtomCategory{
				Term:   strings.ToLower(item.Sentiment),
				Scheme: SentimentScheme,
			})
		}
		categories[item.ID] = cats
	}

	xmlData, err := xml.MarshalIndent(convertToCustomAtom(feed, categories), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal custom atom feed: %w", err)
	}

	return xml.Header + string(xmlData), nil
}

func convertToCustomAtom(feed *feeds.Feed, categories map[string][]CustomAtomCategory) *CustomAtomFeed {
	atom := &feeds.Atom{Feed: feed}
	standard := atom.AtomFeed()

	customFeed := &CustomAtomFeed{
		Xmlns:    "http://www.w3.org/2005/Atom",
		Title:    standard.Title,
		Id:       standard.Id,
		Updated:  standard.Updated,
		Link:     standard.Link,
		Author:   standard.Author,
		Subtitle: standard.Subtitle,
	}

	for _, entry := range standard.Entries {
		customFeed.Entries = append(customFeed.Entries, &CustomAtomEntry{
			Title:      entry.Title,
			Updated:    entry.Updated,
			Id:         entry.Id,
			Categories: categories[entry.Id],
			Content:    entry.Content,
			Published:  entry.Published,
			Links:      entry.Links,
			Summary:    entry.Summary,
			Author:     entry.Author,
		})
	}

	return customFeed
}
