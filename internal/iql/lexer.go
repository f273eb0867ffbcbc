package iql

import (
	"strconv"
	"strings"
)

type lexer struct {
	src    string
	pos    int
	tokens []Token
}

// Tokenize converts src into tokens terminated by a TokenEOF.
func Tokenize(src string) ([]Token, error) {
	l := &lexer{src: src}
	for {
		l.skipSpaceAndComments()
		if l.pos >= len(l.src) {
			l.tokens = append(l.tokens, Token{Kind: TokenEOF, Offset: l.pos})
			return l.tokens, nil
		}
		if err := l.next(); err != nil {
			return nil, err
		}
	}
}

func (l *lexer) skipSpaceAndComments() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == '#' || strings.HasPrefix(l.src[l.pos:], "--"):
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		default:
			return
		}
	}
}

func (l *lexer) emit(kind TokenKind, value string, start int) {
	l.tokens = append(l.tokens, Token{Kind: kind, Value: value, Offset: start})
}

func (l *lexer) next() error {
	start := l.pos
	c := l.src[l.pos]
	switch {
	case c == '\'' || c == '"':
		return l.lexString(c)
	case c == '$' || isDigit(c) || (c == '-' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1])):
		return l.lexNumber()
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		word := l.src[start:l.pos]
		if isKeyword(word) {
			l.emit(TokenKeyword, strings.ToUpper(word), start)
		} else {
			l.emit(TokenIdent, word, start)
		}
		return nil
	}

	switch c {
	case '(':
		l.pos++
		l.emit(TokenLParen, "(", start)
	case ')':
		l.pos++
		l.emit(TokenRParen, ")", start)
	case ',':
		l.pos++
		l.emit(TokenComma, ",", start)
	case '.':
		l.pos++
		l.emit(TokenDot, ".", start)
	case '*':
		l.pos++
		l.emit(TokenStar, "*", start)
	case '=':
		l.pos++
		l.emit(TokenOperator, "=", start)
	case '!':
		if l.peekByte(1) != '=' {
			return newSyntaxError(l.src, start, "unexpected character '!'")
		}
		l.pos += 2
		l.emit(TokenOperator, "!=", start)
	case '>', '<':
		l.pos++
		op := string(c)
		if l.pos < len(l.src) && l.src[l.pos] == '=' {
			l.pos++
			op += "="
		}
		l.emit(TokenOperator, op, start)
	default:
		return newSyntaxError(l.src, start, "unexpected character %q", rune(c))
	}
	return nil
}

func (l *lexer) peekByte(n int) byte {
	if l.pos+n >= len(l.src) {
		return 0
	}
	return l.src[l.pos+n]
}

func (l *lexer) lexString(quote byte) error {
	start := l.pos
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\\' && l.pos+1 < len(l.src):
			b.WriteByte(l.src[l.pos+1])
			l.pos += 2
		case c == quote:
			l.pos++
			l.emit(TokenString, b.String(), start)
			return nil
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return newSyntaxError(l.src, start, "unterminated string")
}

// lexNumber accepts an optional leading $ and trailing /mo, both dropped.
func (l *lexer) lexNumber() error {
	start := l.pos
	if l.src[l.pos] == '$' {
		l.pos++
	}
	numStart := l.pos
	if l.pos < len(l.src) && l.src[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
		l.pos++
	}
	text := l.src[numStart:l.pos]
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || text == "" {
		return newSyntaxError(l.src, start, "invalid number %q", l.src[start:l.pos])
	}
	if strings.HasPrefix(strings.ToLower(l.src[l.pos:]), "/mo") {
		l.pos += 3
	}
	l.tokens = append(l.tokens, Token{Kind: TokenNumber, Value: text, Number: v, Offset: start})
	return nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '-'
}
