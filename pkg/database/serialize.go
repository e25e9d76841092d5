package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// RowsToMaps drains rows into column->value maps with driver types
// normalized to stable JSON scalars: UUIDs and times become strings
// (RFC 3339 UTC), numerics become decimal strings, JSONB stays as the
// decoded document.
func RowsToMaps(rows pgx.Rows) ([]map[string]any, error) {
	fields := rows.FieldDescriptions()
	var out []map[string]any

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = NormalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return out, nil
}

// NormalizeValue maps one driver value to its stable JSON representation.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case [16]byte:
		return uuid.UUID(val).String()
	case uuid.UUID:
		return val.String()
	case decimal.Decimal:
		return val.String()
	case json.RawMessage:
		var doc any
		if err := json.Unmarshal(val, &doc); err == nil {
			return doc
		}
		return string(val)
	case []byte:
		return string(val)
	default:
		return v
	}
}
