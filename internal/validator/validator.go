// Package validator checks that a translated chunk is in the target language.
package validator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/valpere/epubtran/internal/detector"
)

// minValidationLength is the minimum rune count required to attempt language detection.
// Shorter texts produce unreliable results and are accepted without validation.
const minValidationLength = 20

var (
	ErrEmptyTranslation = errors.New("translation is empty")
	ErrWrongLanguage    = errors.New("translation is in the wrong language")
)

// segmentMarker matches the "[n] " prefixes a serialized chunk carries.
var segmentMarker = regexp.MustCompile(`(?m)^\s*\[\d+\]\s*`)

// Validator checks translated chunks with a shared language detector.
// The underlying detector is expensive to build; reuse the instance.
type Validator struct {
	det *detector.Detector
}

// New creates a Validator. A nil det builds a new detector.
func New(det *detector.Detector) *Validator {
	if det == nil {
		det = detector.New()
	}
	return &Validator{det: det}
}

// Validate returns nil when translated appears to be written in targetLang.
//
// Short texts (fewer than minValidationLength runes) and texts whose language
// cannot be determined pass. Segment markers are ignored.
func (v *Validator) Validate(translated, targetLang string) error {
	text := strings.TrimSpace(segmentMarker.ReplaceAllString(translated, ""))
	if text == "" {
		return ErrEmptyTranslation
	}
	if targetLang == "" || utf8.RuneCountInString(text) < minValidationLength {
		return nil
	}

	detected, ok := v.det.DetectISO(text)
	if !ok {
		return nil
	}
	if !strings.EqualFold(detected, targetLang) {
		return fmt.Errorf("%w: expected %s but detected %s", ErrWrongLanguage, targetLang, detected)
	}
	return nil
}
