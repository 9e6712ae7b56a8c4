package predicate

import (
	"fmt"
	"strings"
)

// Column maps a field to SQL.
//
// Scalar fields set Expr. List fields set Exists, a template containing one
// %s placeholder for the element condition, and Elem, the element expression
// used inside it.
type Column struct {
	Expr   string
	Exists string
	Elem   string
}

// Columns maps field names to SQL columns.
type Columns map[string]Column

// ToSQL compiles a validated, pushable tree into a WHERE fragment and args.
// A nil tree compiles to "1=1".
func ToSQL(n *Node, fields FieldSet, cols Columns) (string, []any, error) {
	if n == nil {
		return "1=1", nil, nil
	}
	if !Pushable(n) {
		return "", nil, fmt.Errorf("predicate contains comparisons that cannot be pushed to SQL")
	}
	b := &sqlBuilder{fields: fields, cols: cols}
	clause, err := b.node(n)
	if err != nil {
		return "", nil, err
	}
	return clause, b.args, nil
}

type sqlBuilder struct {
	fields FieldSet
	cols   Columns
	args   []any
}

func (b *sqlBuilder) node(n *Node) (string, error) {
	var clause string
	if n.IsGroup() {
		parts := make([]string, 0, len(n.Children))
		for _, c := range n.Children {
			p, err := b.node(c)
			if err != nil {
				return "", err
			}
			parts = append(parts, p)
		}
		joiner := " AND "
		if n.Op == Or {
			joiner = " OR "
		}
		clause = "(" + strings.Join(parts, joiner) + ")"
	} else {
		c, err := b.comparison(n)
		if err != nil {
			return "", err
		}
		clause = c
	}
	if n.Not {
		return "(NOT " + clause + ")", nil
	}
	return clause, nil
}

func (b *sqlBuilder) comparison(n *Node) (string, error) {
	f, ok := b.fields[n.Field]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownField, n.Field)
	}
	col, ok := b.cols[n.Field]
	if !ok {
		return "", fmt.Errorf("%w: %q has no column mapping", ErrUnknownField, n.Field)
	}

	if f.Type == StringList {
		cond, err := b.scalar(col.Elem, f, positiveOf(n.Cmp), n.Value)
		if err != nil {
			return "", err
		}
		exists := fmt.Sprintf(col.Exists, cond)
		if isNegative(n.Cmp) {
			return "(NOT " + exists + ")", nil
		}
		return exists, nil
	}
	return b.scalar(col.Expr, f, n.Cmp, n.Value)
}

func (b *sqlBuilder) scalar(expr string, f Field, c Comparator, value any) (string, error) {
	switch c {
	case In:
		items, _ := value.([]any)
		marks := make([]string, len(items))
		for i, it := range items {
			marks[i] = "?"
			b.args = append(b.args, sqlValue(f, it))
		}
		return fmt.Sprintf("%s IN (%s)", expr, strings.Join(marks, ", ")), nil
	case Eq:
		b.args = append(b.args, sqlValue(f, value))
		return expr + " = ?", nil
	case Neq:
		b.args = append(b.args, sqlValue(f, value))
		return expr + " <> ?", nil
	case Contains:
		b.args = append(b.args, "%"+escapeLike(value.(string))+"%")
		return expr + ` LIKE ? ESCAPE '\'`, nil
	case NotContains:
		b.args = append(b.args, "%"+escapeLike(value.(string))+"%")
		return expr + ` NOT LIKE ? ESCAPE '\'`, nil
	case StartsWith:
		b.args = append(b.args, escapeLike(value.(string))+"%")
		return expr + ` LIKE ? ESCAPE '\'`, nil
	case EndsWith:
		b.args = append(b.args, "%"+escapeLike(value.(string)))
		return expr + ` LIKE ? ESCAPE '\'`, nil
	case Gt, Gte, Lt, Lte:
		ops := map[Comparator]string{Gt: ">", Gte: ">=", Lt: "<", Lte: "<="}
		b.args = append(b.args, sqlValue(f, value))
		return fmt.Sprintf("%s %s ?", expr, ops[c]), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedOp, c)
}

func sqlValue(f Field, v any) any {
	switch f.Type {
	case Bool:
		if b, _ := v.(bool); b {
			return 1
		}
		return 0
	case Number:
		x, _ := toFloat(v)
		return x
	default:
		return v
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
