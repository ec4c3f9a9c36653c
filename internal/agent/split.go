package agent

import (
	"unicode"
)

// SplitMessage cuts text into chunks of at most limit runes. It prefers
// paragraph breaks, then line breaks, then sentence ends, then any
// whitespace, and only cuts inside a word when nothing else fits. A break
// is only taken in the second half of the window so chunks do not get tiny.
// Separators stay with the preceding chunk, so concatenating the chunks
// gives back text exactly.
func SplitMessage(text string, limit int) []string {
	return SplitMeasured(text, limit, nil)
}

// SplitMeasured is SplitMessage with limit counted in the units width
// assigns to each rune. A nil width counts runes.
func SplitMeasured(text string, limit int, width func(rune) int) []string {
	if limit <= 0 {
		return []string{text}
	}
	if width == nil {
		width = func(rune) int { return 1 }
	}

	runes := []rune(text)
	var chunks []string
	for {
		n := fit(runes, limit, width)
		if n == len(runes) {
			break
		}
		cut := findCut(runes[:n])
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 || len(chunks) == 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// fit returns how many leading runes fit in limit units, never less than one.
func fit(runes []rune, limit int, width func(rune) int) int {
	used := 0
	for i, r := range runes {
		used += width(r)
		if used > limit {
			return max(i, 1)
		}
	}
	return len(runes)
}

// findCut returns the length of the next chunk taken from window.
func findCut(window []rune) int {
	limit := len(window)
	floor := limit / 2

	// paragraph
	for i := limit - 2; i >= floor; i-- {
		if window[i] == '\n' && window[i+1] == '\n' {
			return i + 2
		}
	}
	// line
	for i := limit - 1; i >= floor; i-- {
		if window[i] == '\n' {
			return i + 1
		}
	}
	// sentence
	for i := limit - 2; i >= floor; i-- {
		switch window[i] {
		case '.', '!', '?', '…':
			if unicode.IsSpace(window[i+1]) {
				return i + 2
			}
		}
	}
	// word
	for i := limit - 1; i >= floor; i-- {
		if unicode.IsSpace(window[i]) {
			return i + 1
		}
	}
	return limit
}
