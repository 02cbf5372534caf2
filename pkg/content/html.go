// Package content turns crawled bytes into clean text and splits text
// into overlapping chunks for the pipeline.
package content

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// skippedTags are removed wholesale before text extraction: boilerplate
// and code never carry diagnostic content.
var skippedTags = map[string]bool{
	"script": true,
	"style":  true,
	"nav":    true,
	"footer": true,
	"header": true,
}

// ExtractHTML returns the readable text and the <title> of an HTML
// document. Text nodes are joined with newlines; blank runs collapse.
func ExtractHTML(raw []byte) (text, title string) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		// html.Parse only fails on reader errors; a bytes.Reader never
		// produces one, but keep the fallback cheap.
		return "", ""
	}

	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skippedTags[n.Data] {
				return
			}
			if n.Data == "title" && title == "" {
				if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
				lines = append(lines, trimmed)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return strings.Join(lines, "\n"), title
}
