// Package postprocess removes common LLM artifacts from translation output.
//
// It is applied to the raw text returned by an LLM-backed backend before the
// chunker maps it back onto fragments, so anything left here ends up inside
// the book.
package postprocess

import (
	"regexp"
	"strings"
)

// Clean removes LLM artifacts from text and returns the trimmed result:
//  1. Line ending normalisation (the chunk separator is "\n\n")
//  2. Thinking / reasoning block removal
//  3. Instruction echo removal (prompt leakage)
//  4. Code fence unwrapping
//  5. Quote wrapping removal
func Clean(text string) string {
	text = normalizeNewlines(text)
	text = removeThinkingBlocks(text)
	text = removeInstructionEchoes(text)
	text = removeCodeFence(text)
	text = removeQuoteWrapping(text)
	return strings.TrimSpace(text)
}

func normalizeNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// thinkingBlockRe matches complete <thinking>…</thinking> style blocks.
// Each tag variant is listed explicitly because Go's RE2 engine does not
// support backreferences.
var thinkingBlockRe = regexp.MustCompile(
	`(?is)<thinking>.*?</thinking>|<think>.*?</think>|<reasoning>.*?</reasoning>|<reflection>.*?</reflection>`,
)

// truncatedThinkingRe matches an opened thinking tag whose closing tag is
// missing (the model was cut off mid-thought).
var truncatedThinkingRe = regexp.MustCompile(
	`(?is)(?:<thinking>|<think>|<reasoning>|<reflection>).*$`,
)

func removeThinkingBlocks(text string) string {
	text = thinkingBlockRe.ReplaceAllString(text, "")
	text = truncatedThinkingRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// fenceRe matches output wrapped entirely in a ``` block, optionally tagged.
var fenceRe = regexp.MustCompile("(?s)^```[a-zA-Z]*\n(.*?)\n?```$")

func removeCodeFence(text string) string {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return text
}

// echoPatterns match introductory phrases that LLMs sometimes prepend even
// when instructed not to. Each pattern is anchored to the start of the string
// and requires a colon to reduce false positives on legitimate content.
const echoAdjectives = `(?:translated |literary |refined |polished |final )?`

var echoPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^here(?:'s| is)(?: the)? ` + echoAdjectives + `(?:translation|text)(?: in [\p{L} ]+)?\s*:`),
	regexp.MustCompile(`(?i)^(?:the )?` + echoAdjectives + `(?:translation|translated text)\s*:`),
	regexp.MustCompile(`(?i)^(?:certainly|sure|of course)[,.!]? here(?:'s| is)(?: the)? ` + echoAdjectives + `(?:translation|text)\s*:`),
}

func removeInstructionEchoes(text string) string {
	for _, re := range echoPatterns {
		if loc := re.FindStringIndex(text); loc != nil && loc[0] == 0 {
			text = strings.TrimSpace(text[loc[1]:])
		}
	}
	return text
}

// removeQuoteWrapping strips a matching pair of outer quotes when the entire
// text is wrapped in them. Supported pairs:
//
//	"…"  '…'  «…»  “…”  ‘…’
func removeQuoteWrapping(text string) string {
	runes := []rune(text)
	n := len(runes)
	if n < 2 {
		return text
	}
	first, last := runes[0], runes[n-1]
	if (first == '"' && last == '"') ||
		(first == '\'' && last == '\'') ||
		(first == '«' && last == '»') ||
		(first == '“' && last == '”') ||
		(first == '‘' && last == '’') {
		inner := string(runes[1 : n-1])
		// Quotes that open and close separate paragraphs are dialogue,
		// not a wrapper.
		if strings.Contains(inner, "\n\n") {
			return text
		}
		return strings.TrimSpace(inner)
	}
	return text
}
