package content

import (
	"fmt"
	"io"
	"strings"

	xhtml "golang.org/x/net/html"
)

// Links returns the href of every anchor in an HTML fragment.
func Links(fragment string) []string {
	doc, err := xhtml.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil
	}

	var links []string
	var walk func(n *xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n.Type == xhtml.ElementNode && n.Data == "a" {
			if href := attr(n, "href"); href != "" {
				links = append(links, href)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

// ToMarkdown turns remote HTML content back into plain markdown for API clients.
func ToMarkdown(fragment string) (string, error) {
	md, err := htmlToMarkdown(strings.NewReader(fragment))
	if err != nil {
		return "", err
	}
	return strings.Trim(md, "\n"), nil
}

func htmlToMarkdown(r io.Reader) (string, error) {
	doc, err := xhtml.Parse(r)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	writeMarkdown(&b, doc)
	return b.String(), nil
}

func writeMarkdown(b *strings.Builder, n *xhtml.Node) {
	children := func() {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			writeMarkdown(b, c)
		}
	}

	if n.Type == xhtml.TextNode {
		b.WriteString(n.Data)
		return
	}
	if n.Type != xhtml.ElementNode {
		children()
		return
	}

	switch n.Data {
	case "a":
		b.WriteString("[")
		children()
		fmt.Fprintf(b, "](%s)", attr(n, "href"))
	case "p":
		b.WriteString("\n\n")
		children()
	case "br":
		b.WriteString("\n")
	case "span":
		// mastodon hides the scheme and tail of long links
		if strings.Contains(attr(n, "class"), "invisible") {
			return
		}
		children()
	default:
		children()
	}
}

func attr(n *xhtml.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
