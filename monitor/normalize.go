package monitor

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/aaaton/golem/v4"
	"github.com/aaaton/golem/v4/dicts/ru"
	"github.com/kljensen/snowball/english"
)

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Normalizer canonicalizes words for keyword comparison: Cyrillic words are
// lemmatized to their dictionary normal form, everything else is stemmed.
type Normalizer struct {
	lemmatizer *golem.Lemmatizer
}

// NewNormalizer loads the Russian lemmatization dictionary.
func NewNormalizer() (*Normalizer, error) {
	l, err := golem.New(ru.New())
	if err != nil {
		return nil, err
	}
	return &Normalizer{lemmatizer: l}, nil
}

// Normalize lowercases the word and reduces it to its normal form. The
// operation is idempotent: a normal form maps to itself.
func (n *Normalizer) Normalize(word string) string {
	word = strings.ToLower(word)
	if hasCyrillic(word) {
		return n.lemmatizer.Lemma(word)
	}
	return english.Stem(word, false)
}

// TokenSet tokenizes text and returns the set of normalized tokens.
func (n *Normalizer) TokenSet(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, word := range wordPattern.FindAllString(text, -1) {
		tokens[n.Normalize(word)] = true
	}
	return tokens
}

func hasCyrillic(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Cyrillic, r) {
			return true
		}
	}
	return false
}
