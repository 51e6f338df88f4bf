package sqlcheck

import (
	"errors"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenPunct
	tokenLiteral
	tokenNumber
)

type token struct {
	kind tokenKind
	text string
}

// lex splits a statement into word, punctuation, literal, and number tokens.
// Comments are discarded. The contents of string literals are discarded too;
// only the fact that a literal occurred is kept. Any unterminated construct
// is an error so that a statement the lexer cannot fully account for is
// rejected rather than partially scanned.
func lex(input string) ([]token, error) {
	var tokens []token
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i += 2
			closed := false
			for i+1 < len(runes) {
				if runes[i] == '*' && runes[i+1] == '/' {
					i += 2
					closed = true
					break
				}
				i++
			}
			if !closed {
				return nil, errors.New("unterminated block comment")
			}
		case c == '\'':
			i++
			closed := false
			for i < len(runes) {
				if runes[i] == '\'' {
					// doubled quote is an escaped quote inside the literal
					if i+1 < len(runes) && runes[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				i++
			}
			if !closed {
				return nil, errors.New("unterminated string literal")
			}
			tokens = append(tokens, token{kind: tokenLiteral})
		case c == '"':
			i++
			start := i
			for i < len(runes) && runes[i] != '"' {
				i++
			}
			if i >= len(runes) {
				return nil, errors.New("unterminated quoted identifier")
			}
			tokens = append(tokens, token{kind: tokenWord, text: strings.ToLower(string(runes[start:i]))})
			i++
		case unicode.IsDigit(c):
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.' || runes[i] == 'e' || runes[i] == 'E') {
				i++
			}
			tokens = append(tokens, token{kind: tokenNumber, text: string(runes[start:i])})
		case isWordRune(c):
			start := i
			for i < len(runes) && isWordRune(runes[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokenWord, text: strings.ToLower(string(runes[start:i]))})
		default:
			tokens = append(tokens, token{kind: tokenPunct, text: string(c)})
			i++
		}
	}
	return tokens, nil
}

func isWordRune(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_'
}
