package extract

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLExtractor strips markup and collapses an HTML document to its
// visible text, skipping script/style content.
type HTMLExtractor struct{}

func (e *HTMLExtractor) SupportedExtensions() []string { return []string{"html", "htm"} }

func (e *HTMLExtractor) Extract(ctx context.Context, path string) (string, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("extract: reading %s: %w", path, err)
	}
	text, _ := decodeText(data)

	doc, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return "", nil, fmt.Errorf("extract: parsing HTML %s: %w", path, err)
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head:
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				b.WriteString(t)
				b.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return strings.TrimSpace(b.String()), map[string]string{}, nil
}
