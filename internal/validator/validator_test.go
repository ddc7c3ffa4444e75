package validator

import (
	"errors"
	"testing"
)

const english = "This is a longer piece of text that should be detected as English."

func TestValidate(t *testing.T) {
	v := New(nil)

	tests := []struct {
		name       string
		text       string
		targetLang string
		wantErr    error
	}{
		{"empty target language", english, "", nil},
		{"empty translation", "", "en", ErrEmptyTranslation},
		{"whitespace only", "   \n", "en", ErrEmptyTranslation},
		{"markers only", "[0] \n[1] ", "en", ErrEmptyTranslation},
		{"short text", "Hi", "uk", nil},
		{"english as english", english, "en", nil},
		{"case insensitive target", english, "EN", nil},
		{"english as ukrainian", english, "uk", ErrWrongLanguage},
		{"ukrainian", "Це є тестовий текст українською мовою для перевірки роботи валідатора.", "uk", nil},
		{
			"serialized chunk",
			"[0] Це є тестовий текст українською мовою.\n[1] Другий абзац розділу також українською.",
			"uk",
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.text, tt.targetLang)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
