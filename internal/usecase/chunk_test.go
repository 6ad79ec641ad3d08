package usecase

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTextShortInput(t *testing.T) {
	t.Parallel()

	chunks := SplitText("hello", 10)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("expected single chunk, got %v", chunks)
	}
}

func TestSplitTextEmptyInput(t *testing.T) {
	t.Parallel()

	if chunks := SplitText("", 10); chunks != nil {
		t.Fatalf("expected nil for empty input, got %v", chunks)
	}
}

func TestSplitTextExactBoundary(t *testing.T) {
	t.Parallel()

	chunks := SplitText("abcdef", 3)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0] != "abc" || chunks[1] != "def" {
		t.Fatalf("unexpected chunks: %v", chunks)
	}
}

func TestSplitTextPreservesContent(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("проверка связи ", 500)
	limit := 100

	chunks := SplitText(text, limit)
	for i, chunk := range chunks {
		if n := utf8.RuneCountInString(chunk); n > limit {
			t.Fatalf("chunk %d has %d runes, limit is %d", i, n, limit)
		}
	}
	if joined := strings.Join(chunks, ""); joined != text {
		t.Fatalf("concatenated chunks differ from input")
	}

	runes := utf8.RuneCountInString(text)
	want := (runes + limit - 1) / limit
	if len(chunks) != want {
		t.Fatalf("expected %d chunks for %d runes, got %d", want, runes, len(chunks))
	}
}
