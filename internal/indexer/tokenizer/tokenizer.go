// Package tokenizer provides text tokenisation tuned for mainframe
// operations content. It preserves domain acronyms (JCL, VSAM, S0C7) and
// dot-delimited dataset names (SYS1.PROCLIB) as single tokens, lower-cases
// and stems ordinary words, and removes stop-words.
//
// Every emitted Token carries both the literal form (for display and
// highlighting) and a stemmed match key (for index lookup). Tokenisation is
// deterministic and stable when re-applied to its own literal output.
package tokenizer

import (
	"regexp"
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
	"have": {}, "had": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "their": {}, "if": {}, "each": {},
	"do": {}, "not": {}, "no": {}, "so": {}, "can": {},
}

// datasetPattern matches z/OS dataset names: qualifiers of up to 8
// characters starting with a letter or national character, joined by dots.
var datasetPattern = regexp.MustCompile(`^[A-Z$#@][A-Z0-9$#@]{0,7}(\.[A-Z$#@][A-Z0-9$#@]{0,7})+$`)

// Token represents a single normalised term and its position in the
// original text. Literal preserves the surface form (original casing for
// acronyms and dataset names, lower case for ordinary words); Stem is the
// key used for index lookup and matching.
type Token struct {
	Literal  string
	Stem     string
	Position int
}

// Tokenizer splits text into Tokens. The custom-term list from configuration
// extends the preserved vocabulary with terms that contain punctuation the
// splitter would otherwise break on (for example "z/OS").
type Tokenizer struct {
	custom map[string]string // lower-cased form -> canonical literal
}

// New creates a Tokenizer preserving the given custom terms.
func New(customTerms []string) *Tokenizer {
	custom := make(map[string]string, len(customTerms))
	for _, term := range customTerms {
		trimmed := strings.TrimSpace(term)
		if trimmed == "" {
			continue
		}
		custom[strings.ToLower(trimmed)] = trimmed
	}
	return &Tokenizer{custom: custom}
}

// Tokenize breaks text into Tokens with stop-words removed. Positions number
// the surviving tokens in order.
func (t *Tokenizer) Tokenize(text string) []Token {
	chunks := strings.Fields(text)
	tokens := make([]Token, 0, len(chunks))
	pos := 0

	emit := func(literal, stem string) {
		tokens = append(tokens, Token{Literal: literal, Stem: stem, Position: pos})
		pos++
	}

	for _, chunk := range chunks {
		trimmed := trimPunct(chunk)
		if trimmed == "" {
			continue
		}

		if canonical, ok := t.custom[strings.ToLower(trimmed)]; ok {
			emit(canonical, strings.ToLower(canonical))
			continue
		}
		if datasetPattern.MatchString(trimmed) {
			emit(trimmed, strings.ToLower(trimmed))
			continue
		}

		for _, word := range splitWords(trimmed) {
			if len(word) < 2 {
				continue
			}
			if canonical, ok := t.custom[strings.ToLower(word)]; ok {
				emit(canonical, strings.ToLower(canonical))
				continue
			}
			if isAcronym(word) {
				emit(word, strings.ToLower(word))
				continue
			}
			lower := strings.ToLower(word)
			if _, isStop := stopWords[lower]; isStop {
				continue
			}
			emit(lower, stem(lower))
		}
	}
	return tokens
}

// Stems returns just the match keys for text, in order.
func (t *Tokenizer) Stems(text string) []string {
	tokens := t.Tokenize(text)
	stems := make([]string, len(tokens))
	for i, tok := range tokens {
		stems[i] = tok.Stem
	}
	return stems
}

// Key normalises a single query word to its match key. Returns "" when the
// word normalises to nothing (stop-word or punctuation).
func (t *Tokenizer) Key(word string) string {
	tokens := t.Tokenize(word)
	if len(tokens) == 0 {
		return ""
	}
	return tokens[0].Stem
}

// trimPunct strips leading and trailing punctuation while keeping internal
// structure (dots inside dataset names, slashes inside custom terms).
func trimPunct(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// splitWords breaks a chunk on non-alphanumeric boundaries.
func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// isAcronym reports whether a word is an all-caps domain code such as JCL,
// COBOL, or an abend code like S0C7. At least one upper-case letter is
// required so plain numbers stay ordinary tokens.
func isAcronym(word string) bool {
	hasUpper := false
	for _, r := range word {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
		default:
			return false
		}
	}
	return hasUpper
}

// stem applies a simple suffix-stripping stemmer to the given word.
func stem(word string) string {
	suffixes := []struct {
		suffix      string
		replacement string
		minLen      int
	}{
		{"ational", "ate", 2},
		{"tional", "tion", 2},
		{"encies", "ence", 2},
		{"ances", "ance", 2},
		{"ments", "ment", 2},
		{"izing", "ize", 2},
		{"ating", "ate", 2},
		{"iness", "y", 2},
		{"ously", "ous", 2},
		{"ively", "ive", 2},
		{"eness", "ene", 2},
		{"tion", "t", 3},
		{"sion", "s", 3},
		{"ying", "y", 2},
		{"ling", "l", 3},
		{"ies", "y", 2},
		{"ing", "", 3},
		{"ers", "er", 2},
		{"est", "", 3},
		{"ful", "", 3},
		{"ous", "", 3},
		{"ess", "", 3},
		{"ble", "", 3},
		{"ed", "", 3},
		{"er", "", 3},
		{"ly", "", 3},
		{"es", "", 3},
		{"ss", "ss", 2},
		{"s", "", 3},
	}
	for _, rule := range suffixes {
		if strings.HasSuffix(word, rule.suffix) {
			newWord := word[:len(word)-len(rule.suffix)] + rule.replacement
			if len(newWord) >= rule.minLen {
				return newWord
			}
		}
	}
	return word
}
