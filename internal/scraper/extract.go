package scraper

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	minContentLength = 100
	maxContentLength = 50000
	bodyFallbackCap  = 10000
)

var contentSelectors = []string{
	"main",
	".article-content",
	".post-content",
	".entry-content",
	"#article-body",
	".article-body",
	".story-body",
	".content",
}

var strippedElements = "script, style, nav, header, footer, aside, form, iframe, noscript"

// Extract pulls the title and main article text out of an HTML document.
// It tries progressively looser strategies: the <article> element, known
// content containers, the paragraph-densest div, then a bare paragraph
// sweep. An empty result is an error so the caller retries.
func Extract(html []byte) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}

	title := extractTitle(doc)
	doc.Find(strippedElements).Remove()
	content := extractContent(doc)

	if content == "" {
		if title == "" {
			title = "Unknown Title"
		}
		return title, "", errors.New("Failed to extract article content")
	}
	if title == "" {
		title = "Unknown Title"
	}
	return title, content, nil
}

func extractTitle(doc *goquery.Document) string {
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		if t := strings.TrimSpace(og); t != "" {
			return t
		}
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

func extractContent(doc *goquery.Document) string {
	if article := doc.Find("article").First(); article.Length() > 0 {
		if text := cleanText(blockText(article)); len(text) > minContentLength {
			return text
		}
	}

	for _, selector := range contentSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		if text := cleanText(blockText(sel)); len(text) > minContentLength {
			return text
		}
	}

	if best := densestDiv(doc); best != nil {
		if text := cleanText(blockText(best)); len(text) > minContentLength {
			return text
		}
	}

	var paragraphs []string
	doc.Find("p").Each(func(_ int, p *goquery.Selection) {
		text := strings.TrimSpace(p.Text())
		if len(text) > 50 {
			paragraphs = append(paragraphs, text)
		}
	})
	if len(paragraphs) > 0 {
		return strings.Join(paragraphs, "\n\n")
	}

	if body := doc.Find("body").First(); body.Length() > 0 {
		text := cleanText(body.Text())
		if len(text) > bodyFallbackCap {
			text = text[:bodyFallbackCap]
		}
		if text != "" {
			return text
		}
	}
	return ""
}

// densestDiv picks the div holding the most paragraphs, requiring at least
// three so boilerplate wrappers do not win.
func densestDiv(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	maxParagraphs := 0
	doc.Find("div").Each(func(_ int, div *goquery.Selection) {
		count := div.Find("p").Length()
		if count > maxParagraphs {
			maxParagraphs = count
			best = div
		}
	})
	if maxParagraphs < 3 {
		return nil
	}
	return best
}

// blockText flattens a container to its paragraph texts, one per line,
// falling back to the raw text when it holds no paragraphs.
func blockText(sel *goquery.Selection) string {
	var lines []string
	sel.Find("p").Each(func(_ int, p *goquery.Selection) {
		if text := strings.TrimSpace(p.Text()); text != "" {
			lines = append(lines, text)
		}
	})
	if len(lines) == 0 {
		return sel.Text()
	}
	return strings.Join(lines, "\n")
}

func cleanText(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			kept = append(kept, line)
		}
	}
	cleaned := strings.Join(kept, "\n\n")
	if len(cleaned) > maxContentLength {
		cleaned = cleaned[:maxContentLength] + "..."
	}
	return cleaned
}
