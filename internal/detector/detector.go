// Package detector guesses the source language of a book from a sample of
// its extracted text.
package detector

import (
	"strings"

	lingua "github.com/pemistahl/lingua-go"

	"github.com/valpere/epubtran/internal"
)

// DefaultSampleChars is how much leading text DetectFragments looks at.
const DefaultSampleChars = 2000

// Languages are the candidates considered when detecting a book's language.
var Languages = []lingua.Language{
	lingua.English,
	lingua.Korean,
	lingua.Japanese,
	lingua.Chinese,
	lingua.Spanish,
	lingua.French,
	lingua.German,
	lingua.Italian,
	lingua.Portuguese,
	lingua.Russian,
	lingua.Ukrainian,
}

type Detector struct {
	detector lingua.LanguageDetector
}

// New builds a detector restricted to Languages. Construction loads language
// models, so callers should build one and share it.
func New() *Detector {
	detector := lingua.NewLanguageDetectorBuilder().
		FromLanguages(Languages...).
		Build()

	return &Detector{detector: detector}
}

func (d *Detector) Detect(text string) (lingua.Language, bool) {
	if strings.TrimSpace(text) == "" {
		return lingua.Unknown, false
	}
	return d.detector.DetectLanguageOf(text)
}

// DetectISO returns the lowercase ISO 639-1 code of text's language.
func (d *Detector) DetectISO(text string) (string, bool) {
	lang, ok := d.Detect(text)
	if !ok {
		return "", false
	}
	return strings.ToLower(lang.IsoCode639_1().String()), true
}

// DetectFragments samples leading fragments up to sampleChars bytes of text
// and returns the detected ISO code. sampleChars ≤ 0 means
// DefaultSampleChars.
func (d *Detector) DetectFragments(fragments []internal.Fragment, sampleChars int) (string, bool) {
	if sampleChars <= 0 {
		sampleChars = DefaultSampleChars
	}
	var sb strings.Builder
	for _, f := range fragments {
		if sb.Len() >= sampleChars {
			break
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(f.Text)
	}
	return d.DetectISO(sb.String())
}
