package transcribe

import "strings"

// DefaultSnippetLength is what the search indexer requests.
const DefaultSnippetLength = 200

// GenerateSnippet truncates transcript text for search display. It cuts at
// the last sentence boundary when one lies past 70% of maxLength, otherwise
// hard-truncates and appends an ellipsis marker. Pure and deterministic.
func GenerateSnippet(text string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultSnippetLength
	}
	if len(text) <= maxLength {
		return text
	}

	snippet := text[:maxLength]

	lastSentence := -1
	for _, boundary := range []string{".", "!", "?"} {
		if idx := strings.LastIndex(snippet, boundary); idx > lastSentence {
			lastSentence = idx
		}
	}

	if float64(lastSentence) > float64(maxLength)*0.7 {
		return snippet[:lastSentence+1]
	}

	return strings.TrimSpace(snippet) + "..."
}
