package dbml

import (
	"fmt"
	"strings"
)

// Transpiler turns DBML into PostgreSQL DDL.
type Transpiler struct{}

func NewTranspiler() *Transpiler {
	return &Transpiler{}
}

// Transpile parses source and renders it as SQL. A document without tables
// or enums yields an empty string.
func (t *Transpiler) Transpile(source string) (string, error) {
	doc, err := Parse(source)
	if err != nil {
		return "", err
	}
	return Generate(doc)
}

type generator struct {
	doc    *Document
	tables map[string]*Table // by key and by alias
	enums  map[string]bool
	stmts  []string
}

// Generate renders doc as schemas, enums, tables, indexes, foreign keys and
// finally comments.
func Generate(doc *Document) (string, error) {
	g := &generator{doc: doc, tables: make(map[string]*Table), enums: make(map[string]bool)}
	if err := g.index(); err != nil {
		return "", err
	}
	g.schemas()
	for _, e := range doc.Enums {
		g.enum(e)
	}
	for _, t := range doc.Tables {
		if err := g.table(t); err != nil {
			return "", err
		}
	}
	for _, t := range doc.Tables {
		g.tableIndexes(t)
	}
	for _, r := range doc.Refs {
		if err := g.ref(r); err != nil {
			return "", err
		}
	}
	for _, t := range doc.Tables {
		g.comments(t)
	}
	if len(g.stmts) == 0 {
		return "", nil
	}
	return strings.Join(g.stmts, "\n\n") + "\n", nil
}

func (g *generator) index() error {
	for _, e := range g.doc.Enums {
		if g.enums[e.Name.key()] {
			return &SyntaxError{Line: e.line, Column: 1, Msg: fmt.Sprintf("enum %s is defined twice", e.Name)}
		}
		g.enums[e.Name.key()] = true
	}
	for _, t := range g.doc.Tables {
		if _, dup := g.tables[t.Name.key()]; dup {
			return &SyntaxError{Line: t.line, Column: 1, Msg: fmt.Sprintf("table %s is defined twice", t.Name)}
		}
		g.tables[t.Name.key()] = t
		if t.Alias != "" {
			if _, dup := g.tables["alias:"+t.Alias]; dup {
				return &SyntaxError{Line: t.line, Column: 1, Msg: fmt.Sprintf("alias %s is used twice", t.Alias)}
			}
			g.tables["alias:"+t.Alias] = t
		}
	}
	return nil
}

func (g *generator) lookup(n Name) *Table {
	if t, ok := g.tables[n.key()]; ok {
		return t
	}
	if n.Schema == "" {
		return g.tables["alias:"+n.Name]
	}
	return nil
}

func (g *generator) schemas() {
	seen := map[string]bool{defaultSchema: true}
	var names []Name
	for _, e := range g.doc.Enums {
		names = append(names, e.Name)
	}
	for _, t := range g.doc.Tables {
		names = append(names, t.Name)
	}
	for _, n := range names {
		if n.Schema == "" || seen[n.Schema] {
			continue
		}
		seen[n.Schema] = true
		g.stmts = append(g.stmts, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;", quoteIdent(n.Schema)))
	}
}

func (g *generator) enum(e *Enum) {
	values := make([]string, len(e.Values))
	for i, v := range e.Values {
		values[i] = "  " + quoteLiteral(v)
	}
	g.stmts = append(g.stmts, fmt.Sprintf("CREATE TYPE %s AS ENUM (\n%s\n);", qualified(e.Name), strings.Join(values, ",\n")))
}

func (g *generator) table(t *Table) error {
	var pkColumns []string
	for _, c := range t.Columns {
		if c.PK {
			pkColumns = append(pkColumns, c.Name)
		}
	}
	var compositePK []string
	for _, idx := range t.Indexes {
		if !idx.PK {
			continue
		}
		if compositePK != nil || len(pkColumns) > 0 {
			return &SyntaxError{Line: idx.line, Column: 1, Msg: fmt.Sprintf("table %s has more than one primary key", t.Name)}
		}
		for _, part := range idx.Parts {
			if part.Expr {
				return &SyntaxError{Line: idx.line, Column: 1, Msg: "primary key cannot use an expression"}
			}
			compositePK = append(compositePK, part.Text)
		}
	}
	if len(pkColumns) > 1 {
		compositePK = pkColumns
	}

	lines := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		lines = append(lines, "  "+g.column(c, len(pkColumns) == 1))
	}
	if compositePK != nil {
		lines = append(lines, fmt.Sprintf("  PRIMARY KEY (%s)", quoteList(compositePK)))
	}
	if len(lines) == 0 {
		return &SyntaxError{Line: t.line, Column: 1, Msg: fmt.Sprintf("table %s has no columns", t.Name)}
	}
	g.stmts = append(g.stmts, fmt.Sprintf("CREATE TABLE %s (\n%s\n);", qualified(t.Name), strings.Join(lines, ",\n")))
	return nil
}

func (g *generator) column(c *Column, inlinePK bool) string {
	var b strings.Builder
	b.WriteString(quoteIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(g.columnType(c))
	if c.PK && inlinePK {
		b.WriteString(" PRIMARY KEY")
	}
	if c.Unique {
		b.WriteString(" UNIQUE")
	}
	if c.NotNull {
		b.WriteString(" NOT NULL")
	} else if c.Null {
		b.WriteString(" NULL")
	}
	if c.HasDefault {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}
	return b.String()
}

func (g *generator) columnType(c *Column) string {
	if c.Increment {
		switch strings.ToLower(c.Type) {
		case "bigint", "int8":
			return "BIGSERIAL"
		case "smallint", "int2":
			return "SMALLSERIAL"
		default:
			return "SERIAL"
		}
	}
	base := strings.TrimSuffix(c.Type, "[]")
	suffix := c.Type[len(base):]
	n := Name{Name: base}
	if i := strings.Index(base, "."); i > 0 {
		n = Name{Schema: base[:i], Name: base[i+1:]}
	}
	if g.enums[n.key()] {
		return qualified(n) + suffix
	}
	return c.Type
}

func (g *generator) tableIndexes(t *Table) {
	for _, idx := range t.Indexes {
		if idx.PK {
			continue
		}
		var b strings.Builder
		b.WriteString("CREATE ")
		if idx.Unique {
			b.WriteString("UNIQUE ")
		}
		b.WriteString("INDEX ")
		if idx.Name != "" {
			b.WriteString(quoteIdent(idx.Name))
			b.WriteString(" ")
		}
		b.WriteString("ON ")
		b.WriteString(qualified(t.Name))
		if idx.Type != "" {
			b.WriteString(" USING ")
			b.WriteString(strings.ToUpper(idx.Type))
		}
		parts := make([]string, len(idx.Parts))
		for i, part := range idx.Parts {
			if part.Expr {
				parts[i] = part.Text
			} else {
				parts[i] = quoteIdent(part.Text)
			}
		}
		fmt.Fprintf(&b, " (%s);", strings.Join(parts, ", "))
		g.stmts = append(g.stmts, b.String())
	}
}

func (g *generator) ref(r *Ref) error {
	from, to := r.From, r.To
	if r.Op == "<" {
		from, to = to, from
	}
	child, err := g.resolve(from, r.line)
	if err != nil {
		return err
	}
	parent, err := g.resolve(to, r.line)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "ALTER TABLE %s ADD ", qualified(child.Name))
	if r.Name != "" {
		fmt.Fprintf(&b, "CONSTRAINT %s ", quoteIdent(r.Name))
	}
	fmt.Fprintf(&b, "FOREIGN KEY (%s) REFERENCES %s (%s)", quoteList(from.Columns), qualified(parent.Name), quoteList(to.Columns))
	if r.OnDelete != "" {
		b.WriteString(" ON DELETE " + r.OnDelete)
	}
	if r.OnUpdate != "" {
		b.WriteString(" ON UPDATE " + r.OnUpdate)
	}
	b.WriteString(";")
	g.stmts = append(g.stmts, b.String())
	return nil
}

// resolve finds the table of an endpoint and checks its columns exist.
func (g *generator) resolve(e Endpoint, line int) (*Table, error) {
	t := g.lookup(e.Table)
	if t == nil {
		return nil, &SyntaxError{Line: line, Column: 1, Msg: fmt.Sprintf("table %s not found", e.Table)}
	}
	for _, col := range e.Columns {
		found := false
		for _, c := range t.Columns {
			if c.Name == col {
				found = true
				break
			}
		}
		if !found {
			return nil, &SyntaxError{Line: line, Column: 1, Msg: fmt.Sprintf("column %s not found in table %s", col, t.Name)}
		}
	}
	return t, nil
}

func (g *generator) comments(t *Table) {
	if t.Note != "" {
		g.stmts = append(g.stmts, fmt.Sprintf("COMMENT ON TABLE %s IS %s;", qualified(t.Name), quoteLiteral(t.Note)))
	}
	for _, c := range t.Columns {
		if c.Note != "" {
			g.stmts = append(g.stmts, fmt.Sprintf("COMMENT ON COLUMN %s.%s IS %s;", qualified(t.Name), quoteIdent(c.Name), quoteLiteral(c.Note)))
		}
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func qualified(n Name) string {
	if n.Schema == "" {
		return quoteIdent(n.Name)
	}
	return quoteIdent(n.Schema) + "." + quoteIdent(n.Name)
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}
