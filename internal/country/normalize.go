package country

import (
	"regexp"
	"strings"
)

var (
	multiSpaceRe    = regexp.MustCompile(`\s{2,}`)
	parentheticalRe = regexp.MustCompile(`\s*\([^)]*\)`)
)

// NormalizeName standardizes a country name for matching by:
//  1. Trimming whitespace
//  2. Converting to uppercase
//  3. Dropping parenthetical qualifiers ("Congo (Brazzaville)" -> "CONGO")
//  4. Stripping punctuation (commas, periods, apostrophes, dashes)
//  5. Expanding "&" to "AND" and "ST" to "SAINT"
//  6. Collapsing multiple spaces into single spaces
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	name = parentheticalRe.ReplaceAllString(name, "")
	name = strings.ToUpper(name)

	name = strings.NewReplacer(
		",", "",
		".", "",
		"'", "",
		"\"", "",
		"&", "AND",
		"-", " ",
	).Replace(name)

	// "ST KITTS" and "SAINT KITTS" are the same place.
	words := strings.Fields(name)
	for i, w := range words {
		if w == "ST" {
			words[i] = "SAINT"
		}
	}
	name = strings.Join(words, " ")

	name = multiSpaceRe.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}
