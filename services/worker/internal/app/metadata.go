package app

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// PageMetadata is what fetch_url_metadata extracts from a linked page.
type PageMetadata struct {
	Title       string
	Description string
}

// String flattens metadata into the single-line task result.
func (m PageMetadata) String() string {
	switch {
	case m.Title != "" && m.Description != "":
		return m.Title + " — " + m.Description
	case m.Title != "":
		return m.Title
	default:
		return m.Description
	}
}

// ParseHTMLMetadata walks the document tree for <title> and
// <meta name="description">. og:title / og:description fill gaps.
func ParseHTMLMetadata(r io.Reader) (PageMetadata, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return PageMetadata{}, fmt.Errorf("parse html: %w", err)
	}

	var meta PageMetadata
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if meta.Title == "" && n.FirstChild != nil {
					meta.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				name, property, content := "", "", ""
				for _, attr := range n.Attr {
					switch strings.ToLower(attr.Key) {
					case "name":
						name = strings.ToLower(attr.Val)
					case "property":
						property = strings.ToLower(attr.Val)
					case "content":
						content = strings.TrimSpace(attr.Val)
					}
				}
				if content == "" {
					break
				}
				switch {
				case name == "description" && meta.Description == "":
					meta.Description = content
				case property == "og:description" && meta.Description == "":
					meta.Description = content
				case property == "og:title" && meta.Title == "":
					meta.Title = content
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return meta, nil
}
