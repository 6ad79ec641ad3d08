package usecase

// SplitText cuts text into rune-exact chunks of at most limit runes. The
// concatenation of the chunks equals the input; an empty input yields no
// chunks.
func SplitText(text string, limit int) []string {
	if text == "" || limit <= 0 {
		return nil
	}

	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+limit-1)/limit)
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}

	return chunks
}
