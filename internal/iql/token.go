// Package iql implements the Infrastructure Query Language: a lexer, a
// recursive-descent parser producing a typed AST and an executor that runs
// queries against graph and temporal storage.
package iql

import (
	"fmt"
	"strings"
)

type TokenKind int

const (
	TokenEOF TokenKind = iota
	TokenKeyword
	TokenIdent
	TokenString
	TokenNumber
	TokenOperator
	TokenLParen
	TokenRParen
	TokenComma
	TokenDot
	TokenStar
)

func (k TokenKind) String() string {
	switch k {
	case TokenEOF:
		return "end of input"
	case TokenKeyword:
		return "keyword"
	case TokenIdent:
		return "identifier"
	case TokenString:
		return "string"
	case TokenNumber:
		return "number"
	case TokenOperator:
		return "operator"
	case TokenLParen:
		return "'('"
	case TokenRParen:
		return "')'"
	case TokenComma:
		return "','"
	case TokenDot:
		return "'.'"
	case TokenStar:
		return "'*'"
	}
	return "token"
}

// Token is one lexeme. Keywords carry their upper-cased text in Value;
// numbers carry the parsed value in Number.
type Token struct {
	Kind   TokenKind
	Value  string
	Number float64
	Offset int
}

func (t Token) String() string {
	switch t.Kind {
	case TokenEOF:
		return t.Kind.String()
	case TokenString:
		return fmt.Sprintf("string %q", t.Value)
	default:
		return fmt.Sprintf("%s %q", t.Kind, t.Value)
	}
}

var keywords = map[string]bool{
	"FIND": true, "RESOURCES": true, "DOWNSTREAM": true, "UPSTREAM": true, "OF": true,
	"PATH": true, "FROM": true, "TO": true, "AT": true, "WHERE": true, "DIFF": true,
	"WITH": true, "NOW": true, "LIMIT": true, "AND": true, "OR": true, "NOT": true,
	"LIKE": true, "IN": true, "MATCHES": true, "SUMMARIZE": true, "BY": true,
	"SUM": true, "AVG": true, "MIN": true, "MAX": true, "COUNT": true,
}

func isKeyword(word string) bool {
	return keywords[strings.ToUpper(word)]
}

// SyntaxError reports a lexing or parsing failure at a byte offset.
type SyntaxError struct {
	Message string `json:"message"`
	Offset  int    `json:"offset"`
	// Context is up to 20 bytes of source either side of Offset.
	Context string `json:"context"`
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s (near %q)", e.Offset, e.Message, e.Context)
}

const contextWindow = 20

func newSyntaxError(src string, offset int, format string, args ...any) *SyntaxError {
	if offset < 0 {
		offset = 0
	}
	if offset > len(src) {
		offset = len(src)
	}
	start := offset - contextWindow
	if start < 0 {
		start = 0
	}
	end := offset + contextWindow
	if end > len(src) {
		end = len(src)
	}
	return &SyntaxError{Message: fmt.Sprintf(format, args...), Offset: offset, Context: src[start:end]}
}
