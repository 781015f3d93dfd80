package utils

import "unicode"

// SplitText splits text into chunks of at most chunkSize runes, each
// starting overlap runes before the previous one ended. A chunk ends at the
// last whitespace in its second half when there is one, so words stay whole.
func SplitText(text string, chunkSize int, overlap int) []string {
	runes := []rune(text)
	if chunkSize <= 0 || len(runes) <= chunkSize {
		return []string{text}
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}

	var chunks []string
	for start := 0; start < len(runes); {
		end := start + chunkSize
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		end = wordBoundary(runes, start, end)
		chunks = append(chunks, string(runes[start:end]))

		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// Clip returns the first chunk SplitText would produce.
func Clip(text string, maxRunes int) string {
	return SplitText(text, maxRunes, 0)[0]
}

func wordBoundary(runes []rune, start, end int) int {
	floor := start + (end-start)/2
	for i := end; i > floor; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return end
}
