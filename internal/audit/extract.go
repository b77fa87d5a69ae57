package audit

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// LinkCounts is the internal/external split of a page's anchors.
type LinkCounts struct {
	Total    int
	Internal int
	External int
}

// Title returns the trimmed document title.
func Title(doc *goquery.Document) string {
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// MetaDescription returns the content of meta[name=description], or nil when the
// tag is missing or has no content attribute.
func MetaDescription(doc *goquery.Document) *string {
	sel := doc.Find(`meta[name="description"]`).First()
	if sel.Length() == 0 {
		return nil
	}
	content, ok := sel.Attr("content")
	if !ok {
		return nil
	}
	return &content
}

// HasText reports whether s is non-empty after trimming whitespace.
func HasText(s string) bool {
	return strings.TrimSpace(s) != ""
}

// CountH1 counts h1 elements.
func CountH1(doc *goquery.Document) int {
	return doc.Find("h1").Length()
}

// ImageAltCoverage counts images and those whose alt is missing or blank.
func ImageAltCoverage(doc *goquery.Document) (total, missing int) {
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		total++
		alt, ok := s.Attr("alt")
		if !ok || strings.TrimSpace(alt) == "" {
			missing++
		}
	})
	return total, missing
}

// ClassifyLinks splits a[href] anchors into internal and external relative to pageURL.
func ClassifyLinks(doc *goquery.Document, pageURL string) LinkCounts {
	var counts LinkCounts
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		counts.Total++
		if IsInternalLink(href, pageURL) {
			counts.Internal++
		}
	})
	counts.External = counts.Total - counts.Internal
	return counts
}

// IsInternalLink applies three heuristics, any of which marks href internal:
// a root-relative path, a prefix match on the page origin, or the page host
// appearing anywhere in href (which also matches hosts embedded in query strings).
func IsInternalLink(href, pageURL string) bool {
	if href == "" {
		return false
	}
	if strings.HasPrefix(href, "/") {
		return true
	}
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.HasPrefix(href, u.Scheme+"://"+u.Host) {
		return true
	}
	return strings.Contains(href, u.Host)
}

// WordCount counts whitespace-separated tokens.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// Metrics is the DOM-derived part of a Result.
type Metrics struct {
	Title            string
	MetaDescription  *string
	H1Count          int
	ImagesCount      int
	ImagesMissingAlt int
	Links            LinkCounts
	WordCount        int
}

// Extract runs every extractor over doc. bodyText is the rendered body text; when
// empty, the text content of body is used instead.
func Extract(doc *goquery.Document, pageURL, bodyText string) Metrics {
	if bodyText == "" {
		bodyText = doc.Find("body").Text()
	}
	images, missing := ImageAltCoverage(doc)
	return Metrics{
		Title:            Title(doc),
		MetaDescription:  MetaDescription(doc),
		H1Count:          CountH1(doc),
		ImagesCount:      images,
		ImagesMissingAlt: missing,
		Links:            ClassifyLinks(doc, pageURL),
		WordCount:        WordCount(bodyText),
	}
}
