package fetcher

import (
	"fmt"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/rss"
)

// Custom keys carrying RSS fields the universal gofeed model drops
const (
	customTTL         = "ttl"
	customComments    = "comments"
	customSourceTitle = "source_title"
	customSourceURL   = "source_url"
)

// rssTranslator extends the default translation with the channel ttl and
// the item comments and source elements.
type rssTranslator struct {
	gofeed.DefaultRSSTranslator
}

func (t *rssTranslator) Translate(feed any) (*gofeed.Feed, error) {
	rssFeed, ok := feed.(*rss.Feed)
	if !ok {
		return nil, fmt.Errorf("feed did not match expected type of *rss.Feed")
	}

	result, err := t.DefaultRSSTranslator.Translate(rssFeed)
	if err != nil {
		return nil, err
	}

	if rssFeed.TTL != "" {
		if result.Custom == nil {
			result.Custom = make(map[string]string)
		}
		result.Custom[customTTL] = rssFeed.TTL
	}

	for i, item := range rssFeed.Items {
		if i >= len(result.Items) {
			break
		}
		translated := result.Items[i]

		extras := map[string]string{}
		if item.Comments != "" {
			extras[customComments] = item.Comments
		}
		if item.Source != nil && item.Source.URL != "" {
			extras[customSourceURL] = item.Source.URL
			extras[customSourceTitle] = item.Source.Title
		}
		if len(extras) == 0 {
			continue
		}

		if translated.Custom == nil {
			translated.Custom = make(map[string]string, len(extras))
		}
		for k, v := range extras {
			translated.Custom[k] = v
		}
	}

	return result, nil
}

func newParser() *gofeed.Parser {
	parser := gofeed.NewParser()
	parser.RSSTranslator = &rssTranslator{}
	return parser
}
