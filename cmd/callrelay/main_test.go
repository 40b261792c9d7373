package main

import (
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"short", "Luigi's", "Luigi's"},
		{"exact width", "0123456789012345678", "0123456789012345678"},
		{"ascii cut", "Trattoria del Ponte Vecchio", "Trattoria del Po..."},
		{"multibyte kept", "Café Müller Crêperie", "Café Müller Crêp..."},
		{"multibyte fits", "Bäckerei Größenwahn", "Bäckerei Größenwahn"},
		{"cjk", "東京ラーメン横丁本店スペシャルセット限定版メニュー", "東京ラーメン横丁本店スペシャルセ..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := truncate(tt.value, 19)
			if got != tt.want {
				t.Errorf("truncate(%q) = %q, want %q", tt.value, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q) produced invalid UTF-8", tt.value)
			}
			if n := utf8.RuneCountInString(got); n > 19 {
				t.Errorf("truncate(%q) has %d runes, want <= 19", tt.value, n)
			}
		})
	}
}
