// Package tag extracts a participant identity from free-form message text.
package tag

import (
	"fmt"
	"regexp"
	"strings"
)

// Parser finds the first #Surname_GivenName token in a message. Matching is
// case-sensitive; the alphabet decides which letter runs count.
type Parser struct {
	re *regexp.Regexp
}

var alphabets = map[string]string{
	"cyrillic": "А-Яа-яЁё",
	"latin":    "A-Za-z",
}

// NewParser builds a parser for the given alphabet ("cyrillic" or "latin").
func NewParser(alphabet string) (*Parser, error) {
	class, ok := alphabets[alphabet]
	if !ok {
		return nil, fmt.Errorf("unknown tag alphabet %q", alphabet)
	}
	re, err := regexp.Compile(fmt.Sprintf(`#([%[1]s]+_[%[1]s]+)`, class))
	if err != nil {
		return nil, err
	}
	return &Parser{re: re}, nil
}

// Parse returns the canonical participant name ("Surname GivenName") from the
// first matching tag, or ok=false when the text carries no recognizable tag.
func (p *Parser) Parse(text string) (string, bool) {
	m := p.re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.Replace(m[1], "_", " ", 1), true
}
