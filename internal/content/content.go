// Package content extracts report text from HTML pages or rich-editor
// exports. Reports typed by users are stored as submitted and never pass
// through here.
package content

import (
	"strings"

	"golang.org/x/net/html"
)

// Tags whose text is never report content
var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"iframe": true, "head": true, "template": true,
}

// Block elements that end a line
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// FromHTML returns the readable text of an HTML document: markup is dropped,
// block elements end lines and layout whitespace is collapsed.
func FromHTML(doc string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", err
	}
	return tidy(extractText(root)), nil
}

// extractText walks the tree and returns its text content
func extractText(root *html.Node) string {
	var sb strings.Builder
	var extract func(*html.Node)

	extract = func(n *html.Node) {
		if n.Type == html.ElementNode && skipTags[n.Data] {
			return
		}

		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}

		if n.Type == html.ElementNode && blockTags[n.Data] {
			sb.WriteString("\n")
		}
	}

	extract(root)
	return sb.String()
}

// tidy collapses blanks inside lines, drops trailing blanks and keeps at most
// one empty line between paragraphs.
func tidy(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
