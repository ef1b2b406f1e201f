package dbml

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF    tokenKind = iota
	tokIdent            // bare word, also #rrggbb colors
	tokString           // 'single' or '''multi-line'''
	tokQuoted           // "quoted identifier"
	tokExpr             // `expression`
	tokNumber
	tokPunct
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of input"
	case tokIdent:
		return "identifier"
	case tokString:
		return "string"
	case tokQuoted:
		return "quoted identifier"
	case tokExpr:
		return "expression"
	case tokNumber:
		return "number"
	default:
		return "symbol"
	}
}

type token struct {
	kind tokenKind
	text string
	line int
	col  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return t.kind.String()
	}
	return fmt.Sprintf("%q", t.text)
}

// SyntaxError reports a problem at a position of the DBML source.
type SyntaxError struct {
	Line   int
	Column int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d:%d: %s", e.Line, e.Column, e.Msg)
}

type lexer struct {
	src  []rune
	pos  int
	line int
	col  int
}

func tokenize(src string) ([]token, error) {
	l := &lexer{src: []rune(src), line: 1, col: 1}
	var toks []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.kind == tokEOF {
			return toks, nil
		}
	}
}

func (l *lexer) peekRune(offset int) rune {
	if l.pos+offset >= len(l.src) {
		return 0
	}
	return l.src[l.pos+offset]
}

func (l *lexer) advance() rune {
	r := l.src[l.pos]
	l.pos++
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return r
}

func (l *lexer) errorf(line, col int, format string, args ...interface{}) error {
	return &SyntaxError{Line: line, Column: col, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) skipSpaceAndComments() error {
	for l.pos < len(l.src) {
		r := l.peekRune(0)
		switch {
		case unicode.IsSpace(r):
			l.advance()
		case r == '/' && l.peekRune(1) == '/':
			for l.pos < len(l.src) && l.peekRune(0) != '\n' {
				l.advance()
			}
		case r == '/' && l.peekRune(1) == '*':
			line, col := l.line, l.col
			l.advance()
			l.advance()
			for {
				if l.pos >= len(l.src) {
					return l.errorf(line, col, "unterminated comment")
				}
				if l.peekRune(0) == '*' && l.peekRune(1) == '/' {
					l.advance()
					l.advance()
					break
				}
				l.advance()
			}
		default:
			return nil
		}
	}
	return nil
}

func (l *lexer) next() (token, error) {
	if err := l.skipSpaceAndComments(); err != nil {
		return token{}, err
	}
	line, col := l.line, l.col
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, line: line, col: col}, nil
	}
	r := l.peekRune(0)
	switch {
	case r == '\'' && l.peekRune(1) == '\'' && l.peekRune(2) == '\'':
		return l.multiLineString(line, col)
	case r == '\'':
		text, err := l.delimited('\'', line, col, "string")
		return token{kind: tokString, text: text, line: line, col: col}, err
	case r == '"':
		text, err := l.delimited('"', line, col, "quoted identifier")
		return token{kind: tokQuoted, text: text, line: line, col: col}, err
	case r == '`':
		text, err := l.delimited('`', line, col, "expression")
		return token{kind: tokExpr, text: text, line: line, col: col}, err
	case unicode.IsDigit(r):
		var b strings.Builder
		for l.pos < len(l.src) && (unicode.IsDigit(l.peekRune(0)) || (l.peekRune(0) == '.' && unicode.IsDigit(l.peekRune(1)))) {
			b.WriteRune(l.advance())
		}
		// a word starting with digits is still a word
		if isWordRune(l.peekRune(0)) {
			for l.pos < len(l.src) && isWordRune(l.peekRune(0)) {
				b.WriteRune(l.advance())
			}
			return token{kind: tokIdent, text: b.String(), line: line, col: col}, nil
		}
		return token{kind: tokNumber, text: b.String(), line: line, col: col}, nil
	case isWordRune(r) || r == '#':
		var b strings.Builder
		b.WriteRune(l.advance())
		for l.pos < len(l.src) && isWordRune(l.peekRune(0)) {
			b.WriteRune(l.advance())
		}
		return token{kind: tokIdent, text: b.String(), line: line, col: col}, nil
	case strings.ContainsRune("{}[](),:.<>-~", r):
		l.advance()
		return token{kind: tokPunct, text: string(r), line: line, col: col}, nil
	}
	return token{}, l.errorf(line, col, "unexpected character %q", r)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// delimited reads a single-line literal closed by quote. A backslash escapes
// the next character.
func (l *lexer) delimited(quote rune, line, col int, what string) (string, error) {
	l.advance()
	var b strings.Builder
	for {
		if l.pos >= len(l.src) || l.peekRune(0) == '\n' {
			return "", l.errorf(line, col, "unterminated %s", what)
		}
		r := l.advance()
		if r == quote {
			return b.String(), nil
		}
		if r == '\\' && l.pos < len(l.src) {
			next := l.advance()
			if next != quote && next != '\\' {
				b.WriteRune('\\')
			}
			b.WriteRune(next)
			continue
		}
		b.WriteRune(r)
	}
}

func (l *lexer) multiLineString(line, col int) (token, error) {
	for i := 0; i < 3; i++ {
		l.advance()
	}
	var b strings.Builder
	for {
		if l.pos >= len(l.src) {
			return token{}, l.errorf(line, col, "unterminated string")
		}
		if l.peekRune(0) == '\'' && l.peekRune(1) == '\'' && l.peekRune(2) == '\'' {
			for i := 0; i < 3; i++ {
				l.advance()
			}
			return token{kind: tokString, text: dedent(b.String()), line: line, col: col}, nil
		}
		r := l.advance()
		if r == '\\' && l.peekRune(0) == '\'' {
			r = l.advance()
		}
		b.WriteRune(r)
	}
}

// dedent strips the indentation shared by every non-blank line along with
// the leading and trailing blank lines.
func dedent(s string) string {
	lines := strings.Split(s, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	indent := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		n := len(line) - len(strings.TrimLeft(line, " \t"))
		if indent < 0 || n < indent {
			indent = n
		}
	}
	for i, line := range lines {
		if len(line) >= indent && indent > 0 {
			lines[i] = line[indent:]
		}
	}
	return strings.Join(lines, "\n")
}
