package epub

import (
	"encoding/xml"
	"errors"
	"net/url"
	"path"
	"strings"
)

var (
	errMissing        = errors.New("entry missing from container")
	errNoRootfile     = errors.New("no rootfile declared")
	errUnknownChapter = errors.New("unknown chapter")
)

type containerXML struct {
	Rootfiles []struct {
		FullPath  string `xml:"full-path,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"rootfiles>rootfile"`
}

// rootfilePath returns the OPF path declared by META-INF/container.xml.
func rootfilePath(data []byte) (string, error) {
	var c containerXML
	if err := xml.Unmarshal(data, &c); err != nil {
		return "", err
	}
	for _, rf := range c.Rootfiles {
		if rf.FullPath == "" {
			continue
		}
		if rf.MediaType == "" || rf.MediaType == "application/oebps-package+xml" {
			return rf.FullPath, nil
		}
	}
	return "", errNoRootfile
}

type manifestItem struct {
	ID         string `xml:"id,attr"`
	Href       string `xml:"href,attr"`
	MediaType  string `xml:"media-type,attr"`
	Properties string `xml:"properties,attr"`
}

type packageXML struct {
	Titles   []string       `xml:"metadata>title"`
	Manifest []manifestItem `xml:"manifest>item"`
	Spine    []struct {
		IDRef  string `xml:"idref,attr"`
		Linear string `xml:"linear,attr"`
	} `xml:"spine>itemref"`
}

func parsePackage(data []byte) (*packageXML, error) {
	var p packageXML
	if err := xml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *packageXML) title() string {
	for _, t := range p.Titles {
		if t = strings.TrimSpace(t); t != "" {
			return t
		}
	}
	return ""
}

type spineDocument struct {
	href string // as written in the manifest
	path string // resolved container path
}

// spineDocuments lists the XHTML documents of the spine in reading order.
// Navigation documents are skipped.
func (p *packageXML) spineDocuments(opfPath string) []spineDocument {
	byID := make(map[string]manifestItem, len(p.Manifest))
	for _, item := range p.Manifest {
		byID[item.ID] = item
	}

	base := path.Dir(opfPath)
	seen := make(map[string]bool)
	var docs []spineDocument

	for _, ref := range p.Spine {
		item, ok := byID[ref.IDRef]
		if !ok || !isDocument(item) {
			continue
		}
		resolved := resolveHref(base, item.Href)
		if seen[resolved] {
			continue
		}
		seen[resolved] = true
		docs = append(docs, spineDocument{href: item.Href, path: resolved})
	}
	return docs
}

func isDocument(item manifestItem) bool {
	switch item.MediaType {
	case "application/xhtml+xml", "text/html":
	default:
		return false
	}
	for _, prop := range strings.Fields(item.Properties) {
		if prop == "nav" {
			return false
		}
	}
	return true
}

func resolveHref(base, href string) string {
	if i := strings.IndexByte(href, '#'); i >= 0 {
		href = href[:i]
	}
	if unescaped, err := url.PathUnescape(href); err == nil {
		href = unescaped
	}
	if base == "." || base == "" {
		return path.Clean(href)
	}
	return path.Join(base, href)
}
