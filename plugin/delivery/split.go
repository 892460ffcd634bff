package delivery

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxPartLength is the largest part SplitMessage produces, in runes. It
	// stays well below Telegram's 4096 limit to leave room for markup.
	MaxPartLength = 3500

	minPartLength = 100
)

// SplitMessage cuts text into parts no longer than MaxPartLength. It packs
// whole paragraphs while they fit and falls back to word boundaries for
// paragraphs that are too long on their own.
func SplitMessage(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= MaxPartLength {
		return []string{text}
	}

	var parts []string
	for _, part := range splitByParagraphs(text) {
		if utf8.RuneCountInString(part) <= MaxPartLength {
			parts = append(parts, part)
			continue
		}
		parts = append(parts, splitIntoChunks(part, MaxPartLength)...)
	}
	return parts
}

func splitByParagraphs(text string) []string {
	var (
		parts      []string
		current    strings.Builder
		currentLen int
	)
	flush := func() {
		if part := strings.TrimSpace(current.String()); part != "" {
			parts = append(parts, part)
		}
		current.Reset()
		currentLen = 0
	}

	for _, paragraph := range strings.Split(text, "\n\n") {
		n := utf8.RuneCountInString(paragraph)
		if currentLen+n+2 > MaxPartLength && currentLen > minPartLength {
			flush()
		}
		if currentLen > 0 {
			current.WriteString("\n\n")
			currentLen += 2
		}
		current.WriteString(paragraph)
		currentLen += n
	}
	flush()
	return parts
}

func splitIntoChunks(text string, size int) []string {
	runes := []rune(text)
	var chunks []string

	start := 0
	for start < len(runes) {
		end := min(start+size, len(runes))
		if end < len(runes) && !unicode.IsSpace(runes[end]) {
			if space := lastSpace(runes[start:end]); space >= 0 && start+space > start+size/2 {
				end = start + space
			}
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		start = end
		for start < len(runes) && unicode.IsSpace(runes[start]) {
			start++
		}
	}
	return chunks
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == ' ' {
			return i
		}
	}
	return -1
}
