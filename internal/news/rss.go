package news

import (
	"context"
	"html"
	"io"
	"net/http"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
)

// rssSource picks the newest feed item that carries an image.
type rssSource struct {
	url    string
	client *http.Client
	strip  *bluemonday.Policy
}

func newRSSSource(feedURL string, client *http.Client) *rssSource {
	return &rssSource{url: strings.TrimSpace(feedURL), client: client, strip: bluemonday.StrictPolicy()}
}

func (s *rssSource) Fetch(ctx context.Context) (Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Image{}, unavailable("build request: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := s.client.Do(req)
	if err != nil {
		return Image{}, unavailable("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Image{}, unavailable("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Image{}, unavailable("read body: %v", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return Image{}, unavailable("parse feed: %v", err)
	}
	for _, item := range feed.Items {
		if u := itemImage(item); u != "" {
			return Image{URL: u, Caption: s.caption(item.Title)}, nil
		}
	}
	return Image{}, unavailable("no item with an image in %d items", len(feed.Items))
}

func itemImage(item *gofeed.Item) string {
	if item == nil {
		return ""
	}
	if item.Image != nil && strings.TrimSpace(item.Image.URL) != "" {
		return strings.TrimSpace(item.Image.URL)
	}
	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(strings.ToLower(enc.Type), "image/") && enc.URL != "" {
			return strings.TrimSpace(enc.URL)
		}
	}
	return ""
}

// caption strips markup from a feed title; telegram captions are plain text here.
func (s *rssSource) caption(title string) string {
	out := html.UnescapeString(s.strip.Sanitize(title))
	out = strings.Join(strings.Fields(out), " ")
	if len(out) > 1000 {
		out = out[:997] + "..."
	}
	return out
}
