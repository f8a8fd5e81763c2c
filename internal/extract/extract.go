// Package extract turns fetched HTML into readable article text.
package extract

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// MinContentChars is the shortest extracted text accepted as real content.
const MinContentChars = 300

// noiseSelectors are removed before any container is chosen.
const noiseSelectors = "script, style, noscript, template, iframe, svg, canvas, form, " +
	"nav, header, footer, aside, [role=navigation], [role=banner], [role=contentinfo], " +
	"[aria-hidden=true]"

// noiseTokens are class/id tokens (or token prefixes ending in "-") marking
// ads, comment widgets and sharing chrome.
var noiseTokens = []string{
	"ad", "ads", "advert", "advertisement", "ad-", "ads-", "adsbygoogle", "sponsor", "promo",
	"comments", "comment-", "disqus", "share", "sharing", "social", "newsletter", "subscribe",
	"related", "recommended", "sidebar", "cookie", "cookie-", "popup", "modal", "breadcrumb",
}

var semanticContainers = []string{"article", "main", "[role=main]", "[itemprop=articleBody]"}

var conventionContainers = []string{
	"#content", "#main-content", "#article-body", "#story",
	".post-content", ".entry-content", ".article-body", ".article-content",
	".story-body", ".post-body", ".content",
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "main": true, "blockquote": true, "pre": true,
	"tr": true, "table": true, "figure": true, "figcaption": true, "dd": true, "dt": true,
}

// Text extracts readable text from an HTML document. It returns "" when the
// document cannot be parsed.
func Text(raw []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	StripNoise(doc)
	container := BestContainer(doc)
	if container == nil || container.Length() == 0 {
		return ""
	}
	var b strings.Builder
	for _, n := range container.Nodes {
		writeNodeText(n, &b)
	}
	return Clean(b.String())
}

// StripNoise removes script, navigation, ad and comment-widget regions in place.
func StripNoise(doc *goquery.Document) {
	doc.Find(noiseSelectors).Remove()
	doc.Find("[class], [id]").Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "body" || goquery.NodeName(s) == "html" {
			return
		}
		if hasNoiseToken(s.AttrOr("class", "")) || hasNoiseToken(s.AttrOr("id", "")) {
			s.Remove()
		}
	})
}

func hasNoiseToken(attr string) bool {
	for _, token := range strings.Fields(strings.ToLower(attr)) {
		for _, noise := range noiseTokens {
			if strings.HasSuffix(noise, "-") {
				if strings.HasPrefix(token, noise) {
					return true
				}
				continue
			}
			if token == noise {
				return true
			}
		}
	}
	return false
}

// BestContainer picks the element most likely to hold the main content:
// semantic tags first, then id/class conventions, then the block with the
// most paragraph children, falling back to body.
func BestContainer(doc *goquery.Document) *goquery.Selection {
	for _, selector := range semanticContainers {
		if s := longest(doc.Find(selector)); s != nil {
			return s
		}
	}
	for _, selector := range conventionContainers {
		if s := longest(doc.Find(selector)); s != nil {
			return s
		}
	}
	var (
		best      *goquery.Selection
		bestCount int
	)
	doc.Find("div, section, td").Each(func(_ int, s *goquery.Selection) {
		if count := s.ChildrenFiltered("p").Length(); count > bestCount {
			best, bestCount = s, count
		}
	})
	if best != nil {
		return best
	}
	return doc.Find("body").First()
}

func longest(sel *goquery.Selection) *goquery.Selection {
	var (
		best    *goquery.Selection
		bestLen int
	)
	sel.Each(func(_ int, s *goquery.Selection) {
		if l := len(strings.TrimSpace(s.Text())); l > bestLen {
			best, bestLen = s, l
		}
	})
	return best
}

func writeNodeText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode, html.DocumentNode:
	default:
		return
	}
	block := n.Type == html.ElementNode && blockElements[n.Data]
	if block {
		b.WriteString("\n")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeNodeText(c, b)
	}
	if block {
		b.WriteString("\n")
	}
}

var (
	trailingBoilerplate = regexp.MustCompile(`(?i)\s*(continue reading|read more|read the full (story|article)|click here to read more)\W*$`)
	boilerplateLines    = []string{
		"continue reading", "read more", "advertisement", "share this article", "share this story",
		"sign up for our newsletter", "subscribe to our newsletter", "click here to subscribe",
		"related articles", "you may also like", "all rights reserved",
	}
)

// Clean normalizes whitespace, collapses blank-line runs and strips
// boilerplate phrases.
func Clean(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			line = strings.TrimSpace(trailingBoilerplate.ReplaceAllString(line, ""))
			if isBoilerplateLine(line) {
				line = ""
			}
		}
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func isBoilerplateLine(line string) bool {
	if len(line) > 60 {
		return false
	}
	normalized := strings.ToLower(strings.Trim(line, " .…→»>|-:"))
	for _, phrase := range boilerplateLines {
		if normalized == phrase || strings.HasPrefix(normalized, phrase+" ") && len(normalized) < len(phrase)+20 {
			return true
		}
	}
	return false
}

// Acceptable reports whether text is long enough and is not a block page.
func Acceptable(text string) bool {
	return len(text) >= MinContentChars && !IsBlockPage(text)
}
