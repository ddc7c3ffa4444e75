package translator

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// LanguageName returns the English name for a language tag, or the tag itself
// when it cannot be resolved. "auto" and "" are rendered as "the source
// language".
func LanguageName(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" || strings.EqualFold(tag, "auto") {
		return "the source language"
	}
	t, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	if name := display.English.Tags().Name(t); name != "" {
		return name
	}
	return tag
}

// SystemPrompt builds the literary-translation instruction for a language pair.
func SystemPrompt(sourceLang, targetLang string) string {
	src, tgt := LanguageName(sourceLang), LanguageName(targetLang)
	return fmt.Sprintf(`You are an expert literary translator specializing in %[2]s.
Translate the following text from %[1]s to %[2]s.

Guidelines:
- Translate naturally so that native %[2]s speakers can read it fluently.
- Use idiomatic expressions and natural phrasing in %[2]s, not literal word-for-word translation.
- Preserve the original meaning, tone, and intent while adapting cultural references if needed.
- Maintain paragraph structure and formatting.
- Keep every [n] marker at the start of its paragraph and keep paragraphs separated by a blank line.
- Only output the translated text, nothing else.
- Do not add explanations, notes, or translator comments.`, src, tgt)
}

// UserPrompt wraps text with optional context.
func UserPrompt(text, context string) string {
	if strings.TrimSpace(context) == "" {
		return text
	}
	return fmt.Sprintf("Context: %s\n\nText to translate:\n%s", context, text)
}
