// Package epub reads an EPUB container, exposes its chapters as ordered lists
// of translatable fragments, writes translations back into the chapter
// documents and serializes the container again.
package epub

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"time"

	"golang.org/x/net/html"

	"github.com/valpere/epubtran/internal"
)

const (
	MediaType     = "application/epub+zip"
	mimetypeEntry = "mimetype"
	containerPath = "META-INF/container.xml"
)

// CodecError reports a container or document that cannot be parsed or
// serialized. It is never retried.
type CodecError struct {
	Op   string
	Path string
	Err  error
}

func (e *CodecError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("epub %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("epub %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

type entry struct {
	name     string
	method   uint16
	modified time.Time
	data     []byte
}

// document is a parsed chapter that is re-rendered on Serialize.
type document struct {
	path string
	decl string
	root *html.Node
}

// Book is an opened EPUB. It is not safe for concurrent use.
type Book struct {
	Title string

	entries  []*entry
	byPath   map[string]*document
	chapters []internal.Chapter
}

// Parse reads an EPUB from memory and extracts the translatable fragments of
// every spine document. Documents without fragments are left untouched.
func Parse(data []byte) (*Book, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &CodecError{Op: "open", Err: err}
	}

	b := &Book{byPath: make(map[string]*document)}
	files := make(map[string]*entry, len(zr.File))

	for _, f := range zr.File {
		content, err := readZipFile(f)
		if err != nil {
			return nil, &CodecError{Op: "read", Path: f.Name, Err: err}
		}
		e := &entry{
			name:     f.Name,
			method:   f.Method,
			modified: f.Modified,
			data:     content,
		}
		b.entries = append(b.entries, e)
		files[f.Name] = e
	}

	container, ok := files[containerPath]
	if !ok {
		return nil, &CodecError{Op: "open", Path: containerPath, Err: errMissing}
	}
	opfPath, err := rootfilePath(container.data)
	if err != nil {
		return nil, &CodecError{Op: "parse", Path: containerPath, Err: err}
	}
	opfEntry, ok := files[opfPath]
	if !ok {
		return nil, &CodecError{Op: "open", Path: opfPath, Err: errMissing}
	}
	pkg, err := parsePackage(opfEntry.data)
	if err != nil {
		return nil, &CodecError{Op: "parse", Path: opfPath, Err: err}
	}
	b.Title = pkg.title()

	for _, item := range pkg.spineDocuments(opfPath) {
		e, ok := files[item.path]
		if !ok {
			return nil, &CodecError{Op: "open", Path: item.path, Err: errMissing}
		}
		doc, err := parseDocument(item.path, e.data)
		if err != nil {
			return nil, &CodecError{Op: "parse", Path: item.path, Err: err}
		}

		fragments := extractFragments(doc.root)
		if len(fragments) == 0 {
			continue
		}
		b.byPath[doc.path] = doc
		b.chapters = append(b.chapters, internal.Chapter{
			Index:     len(b.chapters),
			Name:      item.href,
			Href:      item.path,
			Fragments: fragments,
		})
	}

	return b, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Chapters returns the chapters that contain translatable text, in spine
// order.
func (b *Book) Chapters() []internal.Chapter {
	return b.chapters
}

// Reinject replaces the content of each fragment of ch found in translations.
// Fragment ids that are not present in the chapter are ignored.
func (b *Book) Reinject(ch internal.Chapter, translations map[string]string) error {
	doc, ok := b.byPath[ch.Href]
	if !ok {
		return &CodecError{Op: "reinject", Path: ch.Href, Err: errUnknownChapter}
	}
	applyTranslations(doc.root, translations)
	return nil
}

// Serialize writes the container back in its original entry order. The
// mimetype entry is written first and stored uncompressed.
func (b *Book) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	if err := writeEntry(zw, mimetypeEntry, zip.Store, time.Time{}, b.mimetype()); err != nil {
		return nil, &CodecError{Op: "serialize", Path: mimetypeEntry, Err: err}
	}

	for _, e := range b.entries {
		if e.name == mimetypeEntry {
			continue
		}
		data := e.data
		if doc, ok := b.byPath[e.name]; ok {
			rendered, err := doc.render()
			if err != nil {
				return nil, &CodecError{Op: "serialize", Path: e.name, Err: err}
			}
			data = rendered
		}
		method := e.method
		if method != zip.Store {
			method = zip.Deflate
		}
		if err := writeEntry(zw, e.name, method, e.modified, data); err != nil {
			return nil, &CodecError{Op: "serialize", Path: e.name, Err: err}
		}
	}

	if err := zw.Close(); err != nil {
		return nil, &CodecError{Op: "serialize", Err: err}
	}
	return buf.Bytes(), nil
}

func (b *Book) mimetype() []byte {
	for _, e := range b.entries {
		if e.name == mimetypeEntry {
			return e.data
		}
	}
	return []byte(MediaType)
}

func writeEntry(zw *zip.Writer, name string, method uint16, modified time.Time, data []byte) error {
	hdr := &zip.FileHeader{Name: name, Method: method}
	if !modified.IsZero() {
		hdr.Modified = modified
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ChapterCount parses data and returns the number of chapters with
// translatable text.
func ChapterCount(data []byte) (int, error) {
	b, err := Parse(data)
	if err != nil {
		return 0, err
	}
	return len(b.chapters), nil
}
