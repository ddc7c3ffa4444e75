// Package chunker groups extracted fragments into size-bounded chunks that
// are translated in a single backend call, and maps the translated blob back
// onto the original fragments. It also extracts a sliding-window context
// snippet (last N words) for use with LLM translators to maintain continuity
// across chunk boundaries.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/valpere/epubtran/internal"
)

const (
	// DefaultMaxChars is the chunk size used when none is configured.
	// Characters are a rough proxy for tokens (about 4 characters per token).
	DefaultMaxChars = 2000

	// DefaultContextWords is the default number of words extracted by
	// ExtractContext for use as a sliding-window context.
	DefaultContextWords = 25

	// Separator joins fragments inside a serialized chunk.
	Separator = "\n\n"
)

// Chunk is an ordered group of fragments translated together.
type Chunk struct {
	Sequence     int
	Fragments    []internal.Fragment
	CombinedText string
}

// Plan groups fragments greedily, in order, into chunks whose combined text
// length stays within maxChars. Fragments are never split: a fragment longer
// than maxChars on its own becomes a singleton chunk.
//
// If maxChars ≤ 0, DefaultMaxChars is used.
func Plan(fragments []internal.Fragment, maxChars int) []Chunk {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	var (
		chunks  []Chunk
		pending []internal.Fragment
		size    int
	)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		chunks = append(chunks, newChunk(len(chunks), pending))
		pending = nil
		size = 0
	}

	for _, frag := range fragments {
		n := utf8.RuneCountInString(frag.Text)

		if n > maxChars {
			flush()
			chunks = append(chunks, newChunk(len(chunks), []internal.Fragment{frag}))
			continue
		}

		if size+n > maxChars {
			flush()
		}
		pending = append(pending, frag)
		size += n
	}
	flush()

	return chunks
}

func newChunk(seq int, fragments []internal.Fragment) Chunk {
	frags := make([]internal.Fragment, len(fragments))
	copy(frags, fragments)
	return Chunk{
		Sequence:     seq,
		Fragments:    frags,
		CombinedText: Serialize(frags),
	}
}

// Serialize renders fragments as "[i] text" blocks separated by a blank line,
// where i is the fragment's position within the chunk.
func Serialize(fragments []internal.Fragment) string {
	parts := make([]string, len(fragments))
	for i, frag := range fragments {
		parts[i] = marker(i) + " " + frag.Text
	}
	return strings.Join(parts, Separator)
}

// Deserialize maps a translated blob back onto the chunk's fragments by
// position. Missing segments fall back to the fragment's original text;
// segments beyond the fragment count are dropped.
func Deserialize(chunk Chunk, translated string) map[string]string {
	segments := strings.Split(translated, Separator)
	out := make(map[string]string, len(chunk.Fragments))

	for i, frag := range chunk.Fragments {
		if i >= len(segments) {
			out[frag.ID] = frag.Text
			continue
		}
		text := strings.TrimSpace(segments[i])
		if m := marker(i); strings.HasPrefix(text, m) {
			text = strings.TrimSpace(text[len(m):])
		}
		out[frag.ID] = text
	}

	return out
}

func marker(i int) string {
	return fmt.Sprintf("[%d]", i)
}

// Preview returns at most n characters of text.
func Preview(text string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n])
}

// ExtractContext returns the last wordCount words of text, joined by a single
// space. It is intended for use as a sliding-window context snippet passed to
// LLM translators so they can maintain narrative continuity across chunks.
// If text has fewer words than wordCount, the entire text is returned.
// If wordCount ≤ 0, DefaultContextWords is used.
func ExtractContext(text string, wordCount int) string {
	if wordCount <= 0 {
		wordCount = DefaultContextWords
	}
	words := strings.Fields(text)
	if len(words) <= wordCount {
		return strings.TrimSpace(text)
	}
	return strings.Join(words[len(words)-wordCount:], " ")
}
