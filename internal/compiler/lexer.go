// Package compiler implements the Expression Compiler (SPEC_FULL §4.2):
// lexing and precedence-climbing parsing of block expressions into an AST,
// optional validation against a state schema, and bytecode code generation
// terminating in an implicit Halt.
package compiler

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokPath // dotted/bracketed identifier, e.g. a.b[2].c
	tokTrue
	tokFalse
	tokNull
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPercent
	tokEq
	tokNeq
	tokLt
	tokLe
	tokGt
	tokGe
	tokAnd
	tokOr
	tokNot
	tokAssign
)

type token struct {
	kind tokenKind
	text string
	num  float64
	isInt bool
}

type lexer struct {
	src []rune
	pos int
}

func newLexer(src string) *lexer {
	return &lexer{src: []rune(src)}
}

func (l *lexer) peekRune() rune {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return token{kind: tokEOF}, nil
	}
	c := l.src[l.pos]

	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen}, nil
	case c == '[':
		l.pos++
		return token{kind: tokLBracket}, nil
	case c == ']':
		l.pos++
		return token{kind: tokRBracket}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma}, nil
	case c == '+':
		l.pos++
		return token{kind: tokPlus}, nil
	case c == '-':
		l.pos++
		return token{kind: tokMinus}, nil
	case c == '*':
		l.pos++
		return token{kind: tokStar}, nil
	case c == '/':
		l.pos++
		return token{kind: tokSlash}, nil
	case c == '%':
		l.pos++
		return token{kind: tokPercent}, nil
	case c == '=':
		l.pos++
		if l.peekRune() == '=' {
			l.pos++
			return token{kind: tokEq}, nil
		}
		return token{kind: tokAssign}, nil
	case c == '!':
		l.pos++
		if l.peekRune() == '=' {
			l.pos++
			return token{kind: tokNeq}, nil
		}
		return token{kind: tokNot}, nil
	case c == '<':
		l.pos++
		if l.peekRune() == '=' {
			l.pos++
			return token{kind: tokLe}, nil
		}
		return token{kind: tokLt}, nil
	case c == '>':
		l.pos++
		if l.peekRune() == '=' {
			l.pos++
			return token{kind: tokGe}, nil
		}
		return token{kind: tokGt}, nil
	case c == '&':
		l.pos++
		if l.peekRune() == '&' {
			l.pos++
			return token{kind: tokAnd}, nil
		}
		return token{}, fmt.Errorf("compile_error: unexpected '&' at offset %d", l.pos)
	case c == '|':
		l.pos++
		if l.peekRune() == '|' {
			l.pos++
			return token{kind: tokOr}, nil
		}
		return token{}, fmt.Errorf("compile_error: unexpected '|' at offset %d", l.pos)
	case c == '"':
		return l.lexString()
	case c >= '0' && c <= '9':
		return l.lexNumber()
	case isIdentStart(c):
		return l.lexIdentOrPath()
	default:
		return token{}, fmt.Errorf("compile_error: unexpected character %q at offset %d", c, l.pos)
	}
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

func (l *lexer) lexString() (token, error) {
	l.pos++ // consume opening quote
	var sb strings.Builder
	for {
		if l.pos >= len(l.src) {
			return token{}, fmt.Errorf("compile_error: unterminated string literal")
		}
		c := l.src[l.pos]
		if c == '"' {
			l.pos++
			return token{kind: tokString, text: sb.String()}, nil
		}
		if c == '\\' && l.pos+1 < len(l.src) {
			l.pos++
			switch l.src[l.pos] {
			case 'n':
				sb.WriteRune('\n')
			case 't':
				sb.WriteRune('\t')
			case '"':
				sb.WriteRune('"')
			case '\\':
				sb.WriteRune('\\')
			default:
				sb.WriteRune(l.src[l.pos])
			}
			l.pos++
			continue
		}
		sb.WriteRune(c)
		l.pos++
	}
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	isInt := true
	for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
		l.pos++
	}
	if l.pos < len(l.src) && l.src[l.pos] == '.' {
		isInt = false
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
	}
	text := string(l.src[start:l.pos])
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, fmt.Errorf("compile_error: invalid numeric literal %q", text)
	}
	return token{kind: tokNumber, num: f, isInt: isInt, text: text}, nil
}

func (l *lexer) lexIdentOrPath() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && (isIdentPart(l.src[l.pos]) || l.src[l.pos] == '.' || l.src[l.pos] == '[' || l.src[l.pos] == ']') {
		if l.src[l.pos] == '[' {
			// only continue consuming if this forms a valid trailing index
			save := l.pos
			l.pos++
			for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
				l.pos++
			}
			if l.pos >= len(l.src) || l.src[l.pos] != ']' || l.pos == save+1 {
				l.pos = save
				break
			}
			l.pos++
			continue
		}
		l.pos++
	}
	text := string(l.src[start:l.pos])
	switch text {
	case "true":
		return token{kind: tokTrue}, nil
	case "false":
		return token{kind: tokFalse}, nil
	case "null":
		return token{kind: tokNull}, nil
	}
	if strings.ContainsAny(text, ".[") {
		return token{kind: tokPath, text: text}, nil
	}
	return token{kind: tokIdent, text: text}, nil
}

func isDigit(c rune) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c rune) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentPart(c rune) bool  { return isIdentStart(c) || isDigit(c) }
