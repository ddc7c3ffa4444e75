package epub

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/valpere/epubtran/internal"
)

// FragmentAttr marks an extracted element until its translation is written
// back.
const FragmentAttr = "data-translate-id"

// minFragmentChars is the shortest text worth translating.
const minFragmentChars = 2

var translatable = map[atom.Atom]bool{
	atom.P:          true,
	atom.H1:         true,
	atom.H2:         true,
	atom.H3:         true,
	atom.H4:         true,
	atom.H5:         true,
	atom.H6:         true,
	atom.Li:         true,
	atom.Td:         true,
	atom.Th:         true,
	atom.Figcaption: true,
	atom.Blockquote: true,
	atom.Title:      true,
}

var xmlDeclRe = regexp.MustCompile(`^\s*<\?xml[^>]*\?>\s*`)

func parseDocument(path string, data []byte) (*document, error) {
	decl := ""
	if loc := xmlDeclRe.FindIndex(data); loc != nil {
		decl = strings.TrimSpace(string(data[loc[0]:loc[1]]))
		data = data[loc[1]:]
	}
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &document{path: path, decl: decl, root: root}, nil
}

func (d *document) render() ([]byte, error) {
	stripMarkers(d.root)

	var buf bytes.Buffer
	if d.decl != "" {
		buf.WriteString(d.decl)
		buf.WriteByte('\n')
	}
	if err := html.Render(&buf, d.root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// extractFragments selects the innermost translatable elements that carry
// text, tags each one with FragmentAttr and returns them in document order.
// An element that contains a selected descendant is not selected itself.
func extractFragments(root *html.Node) []internal.Fragment {
	var fragments []internal.Fragment

	var visit func(n *html.Node) bool
	visit = func(n *html.Node) bool {
		selectedBelow := false
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if visit(c) {
				selectedBelow = true
			}
		}
		if selectedBelow || n.Type != html.ElementNode || !translatable[n.DataAtom] {
			return selectedBelow
		}

		text := textContent(n)
		if utf8.RuneCountInString(text) < minFragmentChars {
			return false
		}
		id := fmt.Sprintf("frag-%d", len(fragments))
		setAttr(n, FragmentAttr, id)
		fragments = append(fragments, internal.Fragment{ID: id, Text: text, Tag: n.Data})
		return true
	}
	visit(root)

	return fragments
}

// textContent returns the element's text with runs of whitespace collapsed.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			return
		case html.ElementNode:
			if n.DataAtom == atom.Script || n.DataAtom == atom.Style {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func applyTranslations(root *html.Node, translations map[string]string) {
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if id, ok := getAttr(n, FragmentAttr); ok {
				if text, found := translations[id]; found {
					replaceChildren(n, text)
					removeAttr(n, FragmentAttr)
				}
				// Selected elements never nest.
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
}

func replaceChildren(n *html.Node, text string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}

func stripMarkers(n *html.Node) {
	if n.Type == html.ElementNode {
		removeAttr(n, FragmentAttr)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		stripMarkers(c)
	}
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			continue
		}
		out = append(out, a)
	}
	n.Attr = out
}
