package handlers

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"forgelab/internal/domain"
)

const titleWordLimit = 6

var titleCaser = cases.Title(language.English)

// deriveTitle builds a short display title from the prompt's leading words.
func deriveTitle(prompt string, mode domain.JobMode) string {
	words := strings.Fields(prompt)
	if len(words) == 0 {
		if mode == domain.JobModeImage {
			return "Image To Model"
		}
		return "Untitled Generation"
	}
	if len(words) > titleWordLimit {
		words = words[:titleWordLimit]
	}
	return titleCaser.String(strings.Join(words, " "))
}
