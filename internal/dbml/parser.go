package dbml

import (
	"fmt"
	"strings"
)

// Name is a possibly schema-qualified object name. An empty Schema means
// the default schema.
type Name struct {
	Schema string
	Name   string
}

func (n Name) key() string {
	schema := n.Schema
	if schema == "" {
		schema = defaultSchema
	}
	return schema + "." + n.Name
}

func (n Name) String() string {
	if n.Schema == "" {
		return n.Name
	}
	return n.Schema + "." + n.Name
}

const defaultSchema = "public"

type Document struct {
	Enums  []*Enum
	Tables []*Table
	Refs   []*Ref
}

type Enum struct {
	Name   Name
	Values []string
	line   int
}

type Table struct {
	Name    Name
	Alias   string
	Columns []*Column
	Indexes []*Index
	Note    string
	line    int
}

type Column struct {
	Name       string
	Type       string
	PK         bool
	Increment  bool
	NotNull    bool
	Null       bool
	Unique     bool
	Default    string
	HasDefault bool
	Note       string
	line       int
}

type IndexPart struct {
	Text string
	Expr bool
}

type Index struct {
	Parts  []IndexPart
	PK     bool
	Unique bool
	Name   string
	Type   string
	line   int
}

// Endpoint is one side of a relationship.
type Endpoint struct {
	Table   Name
	Columns []string
}

// Ref is a relationship. Op is ">" (many-to-one), "<" (one-to-many) or "-"
// (one-to-one).
type Ref struct {
	Name     string
	From     Endpoint
	To       Endpoint
	Op       string
	OnDelete string
	OnUpdate string
	line     int
}

type setting struct {
	key   string
	value []token
	line  int
	col   int
}

type parser struct {
	toks []token
	pos  int
	doc  *Document
}

// Parse reads a DBML document.
func Parse(src string) (*Document, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, doc: &Document{}}
	if err := p.document(); err != nil {
		return nil, err
	}
	return p.doc, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) peekAt(offset int) token {
	if p.pos+offset >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+offset]
}

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(tok token, format string, args ...interface{}) error {
	return &SyntaxError{Line: tok.line, Column: tok.col, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) isPunct(text string) bool {
	tok := p.peek()
	return tok.kind == tokPunct && tok.text == text
}

func (p *parser) expectPunct(text string) (token, error) {
	tok := p.next()
	if tok.kind != tokPunct || tok.text != text {
		return tok, p.errorf(tok, "expected %q, found %s", text, tok)
	}
	return tok, nil
}

func isKeyword(tok token, word string) bool {
	return tok.kind == tokIdent && strings.EqualFold(tok.text, word)
}

func (p *parser) document() error {
	for {
		tok := p.peek()
		switch {
		case tok.kind == tokEOF:
			return nil
		case isKeyword(tok, "table"):
			if err := p.table(); err != nil {
				return err
			}
		case isKeyword(tok, "enum"):
			if err := p.enum(); err != nil {
				return err
			}
		case isKeyword(tok, "ref"):
			if err := p.topLevelRef(); err != nil {
				return err
			}
		case isKeyword(tok, "project"), isKeyword(tok, "tablegroup"), isKeyword(tok, "note"):
			if err := p.skipElement(); err != nil {
				return err
			}
		default:
			return p.errorf(tok, "unexpected %s", tok)
		}
	}
}

// skipElement consumes an element that produces no SQL: a header followed by
// either a braced block or a ": value" form.
func (p *parser) skipElement() error {
	p.next()
	for {
		tok := p.peek()
		switch {
		case tok.kind == tokEOF:
			return p.errorf(tok, "unexpected end of input")
		case tok.kind == tokPunct && tok.text == ":":
			p.next()
			p.next()
			return nil
		case tok.kind == tokPunct && tok.text == "{":
			return p.skipBlock()
		default:
			p.next()
		}
	}
}

func (p *parser) skipBlock() error {
	open, err := p.expectPunct("{")
	if err != nil {
		return err
	}
	depth := 1
	for depth > 0 {
		tok := p.next()
		switch {
		case tok.kind == tokEOF:
			return p.errorf(open, "unclosed block")
		case tok.kind == tokPunct && tok.text == "{":
			depth++
		case tok.kind == tokPunct && tok.text == "}":
			depth--
		}
	}
	return nil
}

func (p *parser) identifier() (token, error) {
	tok := p.next()
	if tok.kind != tokIdent && tok.kind != tokQuoted {
		return tok, p.errorf(tok, "expected a name, found %s", tok)
	}
	return tok, nil
}

func (p *parser) name() (Name, token, error) {
	first, err := p.identifier()
	if err != nil {
		return Name{}, first, err
	}
	if p.isPunct(".") {
		p.next()
		second, err := p.identifier()
		if err != nil {
			return Name{}, first, err
		}
		return Name{Schema: first.text, Name: second.text}, first, nil
	}
	return Name{Name: first.text}, first, nil
}

func (p *parser) enum() error {
	p.next()
	name, tok, err := p.name()
	if err != nil {
		return err
	}
	if _, err := p.expectPunct("{"); err != nil {
		return err
	}
	enum := &Enum{Name: name, line: tok.line}
	for !p.isPunct("}") {
		value := p.next()
		if value.kind != tokIdent && value.kind != tokQuoted && value.kind != tokString {
			return p.errorf(value, "expected an enum value, found %s", value)
		}
		enum.Values = append(enum.Values, value.text)
		if p.isPunct("[") {
			if _, err := p.settings(); err != nil {
				return err
			}
		}
	}
	p.next()
	if len(enum.Values) == 0 {
		return p.errorf(tok, "enum %s has no values", name)
	}
	p.doc.Enums = append(p.doc.Enums, enum)
	return nil
}

func (p *parser) table() error {
	p.next()
	name, tok, err := p.name()
	if err != nil {
		return err
	}
	table := &Table{Name: name, line: tok.line}
	if isKeyword(p.peek(), "as") {
		p.next()
		alias, err := p.identifier()
		if err != nil {
			return err
		}
		table.Alias = alias.text
	}
	if p.isPunct("[") {
		settings, err := p.settings()
		if err != nil {
			return err
		}
		for _, s := range settings {
			if s.key == "note" {
				if table.Note, err = p.stringValue(s); err != nil {
					return err
				}
			}
		}
	}
	if _, err := p.expectPunct("{"); err != nil {
		return err
	}
	for !p.isPunct("}") {
		tok := p.peek()
		switch {
		case tok.kind == tokEOF:
			return p.errorf(tok, "unclosed table %s", name)
		case isKeyword(tok, "indexes") && p.peekAt(1).kind == tokPunct && p.peekAt(1).text == "{":
			if err := p.indexes(table); err != nil {
				return err
			}
		case isKeyword(tok, "note") && p.peekAt(1).kind == tokPunct && (p.peekAt(1).text == ":" || p.peekAt(1).text == "{"):
			note, err := p.noteElement()
			if err != nil {
				return err
			}
			table.Note = note
		default:
			if err := p.column(table); err != nil {
				return err
			}
		}
	}
	p.next()
	p.doc.Tables = append(p.doc.Tables, table)
	return nil
}

// noteElement reads "Note: 'text'" or "Note { 'text' }".
func (p *parser) noteElement() (string, error) {
	p.next()
	if p.isPunct(":") {
		p.next()
		tok := p.next()
		if tok.kind != tokString {
			return "", p.errorf(tok, "expected a string, found %s", tok)
		}
		return tok.text, nil
	}
	if _, err := p.expectPunct("{"); err != nil {
		return "", err
	}
	tok := p.next()
	if tok.kind != tokString {
		return "", p.errorf(tok, "expected a string, found %s", tok)
	}
	if _, err := p.expectPunct("}"); err != nil {
		return "", err
	}
	return tok.text, nil
}

func (p *parser) columnType() (string, error) {
	tok := p.next()
	if tok.kind != tokIdent && tok.kind != tokQuoted {
		return "", p.errorf(tok, "expected a column type, found %s", tok)
	}
	typ := tok.text
	if p.isPunct(".") {
		p.next()
		second, err := p.identifier()
		if err != nil {
			return "", err
		}
		typ = typ + "." + second.text
	}
	if p.isPunct("(") {
		p.next()
		var args []string
		for !p.isPunct(")") {
			arg := p.next()
			switch {
			case arg.kind == tokEOF:
				return "", p.errorf(arg, "unclosed type arguments")
			case arg.kind == tokPunct && arg.text == ",":
			default:
				args = append(args, arg.text)
			}
		}
		p.next()
		typ = fmt.Sprintf("%s(%s)", typ, strings.Join(args, ","))
	}
	for p.isPunct("[") && p.peekAt(1).kind == tokPunct && p.peekAt(1).text == "]" {
		p.next()
		p.next()
		typ += "[]"
	}
	return typ, nil
}

func (p *parser) column(table *Table) error {
	nameTok, err := p.identifier()
	if err != nil {
		return err
	}
	typ, err := p.columnType()
	if err != nil {
		return err
	}
	col := &Column{Name: nameTok.text, Type: typ, line: nameTok.line}
	if p.isPunct("[") {
		settings, err := p.settings()
		if err != nil {
			return err
		}
		for _, s := range settings {
			if err := p.applyColumnSetting(table, col, s); err != nil {
				return err
			}
		}
	}
	table.Columns = append(table.Columns, col)
	return nil
}

func (p *parser) applyColumnSetting(table *Table, col *Column, s setting) error {
	var err error
	switch s.key {
	case "pk", "primary key":
		col.PK = true
	case "increment":
		col.Increment = true
	case "not null":
		col.NotNull = true
	case "null":
		col.Null = true
	case "unique":
		col.Unique = true
	case "default":
		col.Default, err = defaultValue(s)
		col.HasDefault = true
	case "note":
		col.Note, err = p.stringValue(s)
	case "ref":
		var ref *Ref
		ref, err = inlineRef(table.Name, col.Name, s)
		if err == nil {
			p.doc.Refs = append(p.doc.Refs, ref)
		}
	default:
		return &SyntaxError{Line: s.line, Column: s.col, Msg: fmt.Sprintf("unknown column setting %q", s.key)}
	}
	return err
}

func (p *parser) indexes(table *Table) error {
	p.next()
	if _, err := p.expectPunct("{"); err != nil {
		return err
	}
	for !p.isPunct("}") {
		tok := p.peek()
		idx := &Index{line: tok.line}
		switch {
		case tok.kind == tokEOF:
			return p.errorf(tok, "unclosed indexes block")
		case tok.kind == tokPunct && tok.text == "(":
			p.next()
			for !p.isPunct(")") {
				part := p.next()
				switch {
				case part.kind == tokEOF:
					return p.errorf(part, "unclosed index columns")
				case part.kind == tokPunct && part.text == ",":
				case part.kind == tokIdent || part.kind == tokQuoted:
					idx.Parts = append(idx.Parts, IndexPart{Text: part.text})
				case part.kind == tokExpr:
					idx.Parts = append(idx.Parts, IndexPart{Text: part.text, Expr: true})
				default:
					return p.errorf(part, "unexpected %s in index", part)
				}
			}
			p.next()
		case tok.kind == tokIdent || tok.kind == tokQuoted:
			p.next()
			idx.Parts = []IndexPart{{Text: tok.text}}
		case tok.kind == tokExpr:
			p.next()
			idx.Parts = []IndexPart{{Text: tok.text, Expr: true}}
		default:
			return p.errorf(tok, "unexpected %s in indexes", tok)
		}
		if len(idx.Parts) == 0 {
			return p.errorf(tok, "index without columns")
		}
		if p.isPunct("[") {
			settings, err := p.settings()
			if err != nil {
				return err
			}
			for _, s := range settings {
				switch s.key {
				case "pk":
					idx.PK = true
				case "unique":
					idx.Unique = true
				case "name":
					if idx.Name, err = p.stringValue(s); err != nil {
						return err
					}
				case "type":
					if len(s.value) != 1 {
						return &SyntaxError{Line: s.line, Column: s.col, Msg: "index type must be a single word"}
					}
					idx.Type = s.value[0].text
				case "note":
				default:
					return &SyntaxError{Line: s.line, Column: s.col, Msg: fmt.Sprintf("unknown index setting %q", s.key)}
				}
			}
		}
		table.Indexes = append(table.Indexes, idx)
	}
	p.next()
	return nil
}

// settings reads a bracketed, comma separated list of "key" or
// "key: value" items. Keys are lower-cased and may span several words.
func (p *parser) settings() ([]setting, error) {
	open, err := p.expectPunct("[")
	if err != nil {
		return nil, err
	}
	var out []setting
	for {
		tok := p.peek()
		if tok.kind == tokEOF {
			return nil, p.errorf(open, "unclosed settings")
		}
		if tok.kind == tokPunct && tok.text == "]" {
			p.next()
			return out, nil
		}
		s := setting{line: tok.line, col: tok.col}
		var words []string
		for p.peek().kind == tokIdent {
			words = append(words, strings.ToLower(p.next().text))
		}
		if len(words) == 0 {
			return nil, p.errorf(p.peek(), "expected a setting, found %s", p.peek())
		}
		s.key = strings.Join(words, " ")
		if p.isPunct(":") {
			p.next()
			for !p.isPunct(",") && !p.isPunct("]") {
				if p.peek().kind == tokEOF {
					return nil, p.errorf(open, "unclosed settings")
				}
				s.value = append(s.value, p.next())
			}
			if len(s.value) == 0 {
				return nil, &SyntaxError{Line: s.line, Column: s.col, Msg: fmt.Sprintf("setting %q needs a value", s.key)}
			}
		}
		out = append(out, s)
		if p.isPunct(",") {
			p.next()
		} else if !p.isPunct("]") {
			return nil, p.errorf(p.peek(), "expected \",\" or \"]\", found %s", p.peek())
		}
	}
}

func (p *parser) stringValue(s setting) (string, error) {
	if len(s.value) != 1 || s.value[0].kind != tokString {
		return "", &SyntaxError{Line: s.line, Column: s.col, Msg: fmt.Sprintf("setting %q needs a string", s.key)}
	}
	return s.value[0].text, nil
}

func defaultValue(s setting) (string, error) {
	bad := &SyntaxError{Line: s.line, Column: s.col, Msg: "invalid default value"}
	v := s.value
	if len(v) == 2 && v[0].kind == tokPunct && v[0].text == "-" && v[1].kind == tokNumber {
		return "-" + v[1].text, nil
	}
	if len(v) != 1 {
		return "", bad
	}
	switch v[0].kind {
	case tokString:
		return quoteLiteral(v[0].text), nil
	case tokNumber:
		return v[0].text, nil
	case tokExpr:
		return v[0].text, nil
	case tokIdent:
		switch strings.ToLower(v[0].text) {
		case "true", "false", "null":
			return strings.ToUpper(v[0].text), nil
		}
	}
	return "", bad
}

func (p *parser) topLevelRef() error {
	refTok := p.next()
	ref := &Ref{line: refTok.line}
	if p.peek().kind == tokIdent || p.peek().kind == tokQuoted {
		ref.Name = p.next().text
	}
	if p.isPunct("{") {
		p.next()
		if err := p.relationship(ref); err != nil {
			return err
		}
		if _, err := p.expectPunct("}"); err != nil {
			return err
		}
	} else {
		if _, err := p.expectPunct(":"); err != nil {
			return err
		}
		if err := p.relationship(ref); err != nil {
			return err
		}
	}
	p.doc.Refs = append(p.doc.Refs, ref)
	return nil
}

// relationship reads "endpoint op endpoint [settings]".
func (p *parser) relationship(ref *Ref) error {
	from, err := p.endpoint()
	if err != nil {
		return err
	}
	op, err := p.operator()
	if err != nil {
		return err
	}
	to, err := p.endpoint()
	if err != nil {
		return err
	}
	if len(from.Columns) != len(to.Columns) {
		return p.errorf(p.toks[p.pos-1], "relationship columns do not match: %d and %d", len(from.Columns), len(to.Columns))
	}
	ref.From, ref.To, ref.Op = from, to, op
	if p.isPunct("[") {
		settings, err := p.settings()
		if err != nil {
			return err
		}
		for _, s := range settings {
			action := strings.ToUpper(joinTokens(s.value))
			switch s.key {
			case "delete":
				ref.OnDelete = action
			case "update":
				ref.OnUpdate = action
			case "name":
				if ref.Name, err = p.stringValue(s); err != nil {
					return err
				}
			case "color":
			default:
				return &SyntaxError{Line: s.line, Column: s.col, Msg: fmt.Sprintf("unknown relationship setting %q", s.key)}
			}
		}
	}
	return nil
}

func (p *parser) operator() (string, error) {
	tok := p.next()
	if tok.kind != tokPunct {
		return "", p.errorf(tok, "expected a relationship operator, found %s", tok)
	}
	switch tok.text {
	case ">", "-":
		return tok.text, nil
	case "<":
		if p.isPunct(">") {
			return "", p.errorf(tok, "many-to-many relationships are not supported")
		}
		return tok.text, nil
	}
	return "", p.errorf(tok, "expected a relationship operator, found %s", tok)
}

// endpoint reads "table.column", "schema.table.column" or the composite
// "table.(a, b)" forms.
func (p *parser) endpoint() (Endpoint, error) {
	var parts []string
	first, err := p.identifier()
	if err != nil {
		return Endpoint{}, err
	}
	parts = append(parts, first.text)
	var columns []string
	for p.isPunct(".") {
		p.next()
		if p.isPunct("(") {
			p.next()
			for !p.isPunct(")") {
				col, err := p.identifier()
				if err != nil {
					return Endpoint{}, err
				}
				columns = append(columns, col.text)
				if p.isPunct(",") {
					p.next()
				}
			}
			p.next()
			break
		}
		part, err := p.identifier()
		if err != nil {
			return Endpoint{}, err
		}
		parts = append(parts, part.text)
	}
	if columns == nil {
		if len(parts) < 2 {
			return Endpoint{}, p.errorf(first, "expected table.column, found %q", first.text)
		}
		columns = []string{parts[len(parts)-1]}
		parts = parts[:len(parts)-1]
	}
	switch len(parts) {
	case 1:
		return Endpoint{Table: Name{Name: parts[0]}, Columns: columns}, nil
	case 2:
		return Endpoint{Table: Name{Schema: parts[0], Name: parts[1]}, Columns: columns}, nil
	}
	return Endpoint{}, p.errorf(first, "too many name parts in %q", strings.Join(parts, "."))
}

func inlineRef(table Name, column string, s setting) (*Ref, error) {
	sub := &parser{toks: append(append([]token{}, s.value...), token{kind: tokEOF, line: s.line, col: s.col})}
	op, err := sub.operator()
	if err != nil {
		return nil, err
	}
	to, err := sub.endpoint()
	if err != nil {
		return nil, err
	}
	if tok := sub.peek(); tok.kind != tokEOF {
		return nil, sub.errorf(tok, "unexpected %s after ref", tok)
	}
	if len(to.Columns) != 1 {
		return nil, &SyntaxError{Line: s.line, Column: s.col, Msg: "inline ref must name one column"}
	}
	return &Ref{
		From: Endpoint{Table: table, Columns: []string{column}},
		To:   to,
		Op:   op,
		line: s.line,
	}, nil
}

func joinTokens(toks []token) string {
	words := make([]string, 0, len(toks))
	for _, t := range toks {
		words = append(words, t.text)
	}
	return strings.Join(words, " ")
}
