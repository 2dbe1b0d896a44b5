package crmdb

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"strconv"
	"strings"
)

// Row is one record of a result set keyed by column name
type Row map[string]any

// Field describes a result column
type Field struct {
	Name         string
	DatabaseType string // Driver type name, e.g. "VARCHAR", "INT4", "UNSIGNED BIGINT"
	Nullable     bool   // False when the driver does not report nullability
}

// Result is the normalized outcome of a statement on either dialect.
// Rows is never nil. Fields is nil for statements that return no rows.
type Result struct {
	Rows         []Row
	Fields       []Field
	RowsAffected int64 // Rows changed, or rows returned for queries
	LastInsertID int64 // MySQL only
}

// First returns the first row, if any
func (r *Result) First() (Row, bool) {
	if len(r.Rows) == 0 {
		return nil, false
	}
	return r.Rows[0], true
}

// Columns returns the column names in result order
func (r *Result) Columns() []string {
	names := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		names[i] = f.Name
	}
	return names
}

// run sends one statement over c and normalizes its outcome
func run(ctx context.Context, c runner, query string, args []any) (*Result, error) {
	if !returnsRows(query) {
		res, err := c.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		return execResult(res), nil
	}

	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return readRows(rows)
}

func execResult(res sql.Result) *Result {
	r := &Result{Rows: []Row{}}
	// pgx reports LastInsertId as unsupported; both values are best effort.
	if n, err := res.RowsAffected(); err == nil {
		r.RowsAffected = n
	}
	if id, err := res.LastInsertId(); err == nil {
		r.LastInsertID = id
	}
	return r
}

func readRows(rows *sql.Rows) (*Result, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	fields := make([]Field, len(types))
	for i, ct := range types {
		nullable, ok := ct.Nullable()
		fields[i] = Field{
			Name:         ct.Name(),
			DatabaseType: ct.DatabaseTypeName(),
			Nullable:     ok && nullable,
		}
	}

	res := &Result{Rows: []Row{}, Fields: fields}
	values := make([]any, len(fields))
	dest := make([]any, len(fields))
	for i := range values {
		dest[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(Row, len(fields))
		for i, f := range fields {
			row[f.Name] = normalizeValue(values[i], f.DatabaseType)
			values[i] = nil
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.RowsAffected = int64(len(res.Rows))
	return res, nil
}

// normalizeValue maps driver values onto a small common set: nil, int64,
// uint64, float64, bool, string, []byte, time.Time.
func normalizeValue(v any, dbType string) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return convertText(x, dbType)
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return uint64(x)
	case uint16:
		return uint64(x)
	case uint32:
		return uint64(x)
	case float32:
		return float64(x)
	case driver.Valuer:
		val, err := x.Value()
		if err != nil {
			return v
		}
		return normalizeValue(val, dbType)
	default:
		return v
	}
}

// convertText decodes values the MySQL text protocol delivers as bytes.
// Integer and float columns become numbers, binary columns keep their bytes
// and everything else (DECIMAL included) becomes a string.
func convertText(b []byte, dbType string) any {
	t := strings.ToUpper(dbType)
	t, unsigned := strings.CutPrefix(t, "UNSIGNED ")

	switch t {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT", "YEAR", "INT2", "INT4", "INT8":
		if unsigned {
			if n, err := strconv.ParseUint(string(b), 10, 64); err == nil {
				return n
			}
		} else if n, err := strconv.ParseInt(string(b), 10, 64); err == nil {
			return n
		}
	case "FLOAT", "DOUBLE", "REAL", "FLOAT4", "FLOAT8":
		if f, err := strconv.ParseFloat(string(b), 64); err == nil {
			return f
		}
	case "BLOB", "TINYBLOB", "MEDIUMBLOB", "LONGBLOB", "BINARY", "VARBINARY", "BYTEA", "BIT", "GEOMETRY":
		return bytes.Clone(b)
	}
	return string(b)
}
