package database

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// identPattern is the only shape an interpolated identifier may take.
// Everything else in a built statement is a bind parameter.
var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// allowedTables is the closed set of tables the dynamic accessor may touch.
var allowedTables = map[string]bool{
	"threads":                           true,
	"projects":                          true,
	"messages":                          true,
	"agent_runs":                        true,
	"agents":                            true,
	"knowledge_base_entries":            true,
	"agent_knowledge_entry_assignments": true,
	"memory_extraction_queue":           true,
	"user_memories":                     true,
	"webhook_events":                    true,
	"renewal_processing":                true,
	"credit_accounts":                   true,
	"credit_ledger":                     true,
}

// ValidateIdent rejects any identifier that is not a plain snake_case name.
func ValidateIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// Table builds parametrized statements against one whitelisted table.
// Identifiers (table, columns, order keys) are validated before they are
// interpolated; values always travel as bind parameters.
type Table struct {
	q    Querier
	name string
}

// NewTable returns a Table for name, or an error when the table is not in
// the whitelist.
func NewTable(q Querier, name string) (*Table, error) {
	if err := ValidateIdent(name); err != nil {
		return nil, err
	}
	if !allowedTables[name] {
		return nil, fmt.Errorf("table %q is not in the accessor whitelist", name)
	}
	return &Table{q: q, name: name}, nil
}

// Select reads rows matching the equality filters, returning normalized
// maps (see RowsToMaps). orderBy may be "" for no ordering; desc is ignored
// then. limit <= 0 means no limit.
func (t *Table) Select(ctx context.Context, columns []string, filters map[string]any, orderBy string, desc bool, limit int) ([]map[string]any, error) {
	cols := "*"
	if len(columns) > 0 {
		for _, c := range columns {
			if err := ValidateIdent(c); err != nil {
				return nil, err
			}
		}
		cols = strings.Join(columns, ", ")
	}

	sql := fmt.Sprintf("SELECT %s FROM %s", cols, t.name)
	where, args, err := buildWhere(filters)
	if err != nil {
		return nil, err
	}
	sql += where

	if orderBy != "" {
		if err := ValidateIdent(orderBy); err != nil {
			return nil, err
		}
		dir := "ASC"
		if desc {
			dir = "DESC"
		}
		sql += fmt.Sprintf(" ORDER BY %s %s", orderBy, dir)
	}
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := t.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", t.name, err)
	}
	defer rows.Close()
	return RowsToMaps(rows)
}

// Insert writes one row from the column->value map.
func (t *Table) Insert(ctx context.Context, values map[string]any) error {
	if len(values) == 0 {
		return fmt.Errorf("insert into %s: no values", t.name)
	}
	cols := sortedKeys(values)
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		if err := ValidateIdent(c); err != nil {
			return err
		}
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = values[c]
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.name, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := t.q.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert into %s: %w", t.name, err)
	}
	return nil
}

// Update sets the given columns on rows matching the equality filters and
// returns the affected row count.
func (t *Table) Update(ctx context.Context, values map[string]any, filters map[string]any) (int64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("update %s: no values", t.name)
	}
	cols := sortedKeys(values)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(filters))
	for i, c := range cols {
		if err := ValidateIdent(c); err != nil {
			return 0, err
		}
		args = append(args, values[c])
		sets[i] = fmt.Sprintf("%s = $%d", c, len(args))
	}

	sql := fmt.Sprintf("UPDATE %s SET %s", t.name, strings.Join(sets, ", "))
	where, whereArgs, err := buildWhereOffset(filters, len(args))
	if err != nil {
		return 0, err
	}
	sql += where
	args = append(args, whereArgs...)

	tag, err := t.q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", t.name, err)
	}
	return tag.RowsAffected(), nil
}

// Delete removes rows matching the equality filters and returns the count.
func (t *Table) Delete(ctx context.Context, filters map[string]any) (int64, error) {
	sql := fmt.Sprintf("DELETE FROM %s", t.name)
	where, args, err := buildWhere(filters)
	if err != nil {
		return 0, err
	}
	sql += where

	tag, err := t.q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", t.name, err)
	}
	return tag.RowsAffected(), nil
}

func buildWhere(filters map[string]any) (string, []any, error) {
	return buildWhereOffset(filters, 0)
}

func buildWhereOffset(filters map[string]any, offset int) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	cols := sortedKeys(filters)
	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		if err := ValidateIdent(c); err != nil {
			return "", nil, err
		}
		conds[i] = fmt.Sprintf("%s = $%d", c, offset+i+1)
		args[i] = filters[c]
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
