// Package parser turns message bodies into short plain-text previews.
package parser

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// PreviewLimit bounds the length of a body preview in runes.
const PreviewLimit = 255

// Placeholder is used when a message has no readable text or HTML part.
const Placeholder = "(no readable content)"

// PreviewBuilder strips HTML markup and collapses whitespace to produce a
// bounded preview string.
type PreviewBuilder struct {
	whitespaceRegex *regexp.Regexp
	newlineRegex    *regexp.Regexp
	invisibleRegex  *regexp.Regexp
}

// NewPreviewBuilder creates a new preview builder
func NewPreviewBuilder() *PreviewBuilder {
	return &PreviewBuilder{
		whitespaceRegex: regexp.MustCompile(`[^\S\n]+`),
		newlineRegex:    regexp.MustCompile(`\n+`),
		// Remove invisible Unicode characters (zero-width spaces, etc.)
		invisibleRegex: regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{2060}-\x{2064}\x{206A}-\x{206F}]+`),
	}
}

// FromHTML converts an HTML body to a bounded plain-text preview.
// A parse failure falls back to a whitespace-collapsed raw string so a
// broken document never produces an error, just a worse preview.
func (p *PreviewBuilder) FromHTML(html string) string {
	if html == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return p.FromText(html)
	}

	doc.Find("script, style, head, meta, link").Remove()

	// Add newlines before block elements so adjacent blocks don't run together
	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr").Each(func(i int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	return p.FromText(doc.Text())
}

// FromText collapses whitespace in a plain-text body and bounds its length.
func (p *PreviewBuilder) FromText(text string) string {
	text = p.invisibleRegex.ReplaceAllString(text, "")
	text = p.whitespaceRegex.ReplaceAllString(text, " ")
	text = p.newlineRegex.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)
	return truncate(text, PreviewLimit)
}

// truncate cuts s to at most limit runes.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit]))
}
