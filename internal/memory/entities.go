package memory

import (
	"strings"
	"unicode"
)

// stopwords are capitalized words that are not entities on their own.
var stopwords = map[string]bool{
	"i": true, "a": true, "an": true, "the": true, "this": true, "that": true,
	"what": true, "when": true, "where": true, "why": true, "how": true,
	"who": true, "can": true, "could": true, "should": true, "would": true,
	"is": true, "are": true, "was": true, "were": true, "do": true,
	"does": true, "did": true, "please": true, "hello": true, "hi": true,
	"thanks": true, "ok": true, "okay": true, "yes": true, "no": true,
	"my": true, "me": true, "you": true, "your": true, "it": true,
	"and": true, "or": true, "but": true, "if": true, "for": true,
	"tell": true, "show": true, "give": true, "make": true, "let": true,
}

// ExtractEntities pulls candidate entity names from a user message:
// runs of capitalized words (joined into one name) plus standalone
// ALL-CAPS tokens of two or more letters. Results preserve first-seen
// order and are deduplicated.
func ExtractEntities(text string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		name = strings.Trim(name, ".,;:!?\"'()[]")
		if name == "" || seen[name] {
			return
		}
		if stopwords[strings.ToLower(name)] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	words := strings.Fields(text)
	var run []string
	flush := func() {
		if len(run) > 0 {
			add(strings.Join(run, " "))
			run = nil
		}
	}
	for i, w := range words {
		trimmed := strings.Trim(w, ".,;:!?\"'()[]")
		if trimmed == "" {
			flush()
			continue
		}
		if isAllCaps(trimmed) {
			flush()
			add(trimmed)
			continue
		}
		first := []rune(trimmed)[0]
		if unicode.IsUpper(first) {
			// A capitalized sentence opener alone is not a signal.
			if i == 0 || endsSentence(words[i-1]) {
				if stopwords[strings.ToLower(trimmed)] {
					flush()
					continue
				}
			}
			run = append(run, trimmed)
			continue
		}
		flush()
	}
	flush()
	return out
}

func isAllCaps(w string) bool {
	letters := 0
	for _, r := range w {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			letters++
		}
	}
	return letters >= 2
}

func endsSentence(w string) bool {
	return strings.HasSuffix(w, ".") || strings.HasSuffix(w, "!") || strings.HasSuffix(w, "?")
}
