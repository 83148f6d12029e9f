// Copyright 2023 The Elric Authors
// This file is part of Elric.
//
// Elric is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Elric is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Elric. If not, see <http://www.gnu.org/licenses/>.

package chdb

import (
	"context"
	"fmt"
	"sort"
)

// Column is one (name, type) pair of a destination table.
type Column struct {
	Name string
	Type ColumnType
}

// TableSpec is the ordered column schema of one destination table. Columns
// are sorted by name; rows are serialized in exactly this order.
type TableSpec struct {
	Name    string
	Columns []Column
}

// ColumnNames returns the column tuple in serialization order.
func (t TableSpec) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ColumnNotFoundError means the information catalog query for a table that
// system.tables listed failed or returned no columns.
type ColumnNotFoundError struct {
	Database string
	Table    string
}

func (e *ColumnNotFoundError) Error() string {
	return fmt.Sprintf("no columns found for %s.%s", e.Database, e.Table)
}

type tableInfoRow struct {
	TableSchema string `json:"table_schema"`
	TableName   string `json:"table_name"`
}

type columnInfoRow struct {
	ColumnName string `json:"column_name"`
	DataType   string `json:"data_type"`
}

// DiscoverTables enumerates the user tables of the client's database and
// resolves each one's ordered column schema. Unsupported column types fail
// here, at startup, never mid-stream.
func DiscoverTables(ctx context.Context, client *Client) ([]TableSpec, error) {
	tables, err := Select[tableInfoRow](ctx, client, fmt.Sprintf(`
		SELECT database AS table_schema,
		       name AS table_name
		  FROM system.tables
		 WHERE NOT is_temporary
		   AND engine NOT LIKE '%%View'
		   AND engine NOT LIKE 'System%%'
		   AND has_own_data != 0
		   AND database = %s
		 ORDER BY database, name`, quoteString(client.Database())))
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	specs := make([]TableSpec, 0, len(tables))
	for _, table := range tables {
		spec, err := discoverColumns(ctx, client, table.TableName)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func discoverColumns(ctx context.Context, client *Client, table string) (TableSpec, error) {
	rows, err := Select[columnInfoRow](ctx, client, fmt.Sprintf(`
		SELECT column_name,
		       data_type
		  FROM information_schema.columns
		 WHERE table_schema = %s
		   AND table_name = %s
		 ORDER BY column_name, data_type`,
		quoteString(client.Database()), quoteString(table)))
	if err != nil {
		return TableSpec{}, &ColumnNotFoundError{Database: client.Database(), Table: table}
	}
	if len(rows) == 0 {
		return TableSpec{}, &ColumnNotFoundError{Database: client.Database(), Table: table}
	}

	spec := TableSpec{Name: table, Columns: make([]Column, 0, len(rows))}
	for _, row := range rows {
		typ, err := ParseColumnType(row.DataType)
		if err != nil {
			return TableSpec{}, fmt.Errorf("load schema for %s.%s column %s: %w",
				client.Database(), table, row.ColumnName, err)
		}
		spec.Columns = append(spec.Columns, Column{Name: row.ColumnName, Type: typ})
	}

	// Discovery order must not leak into the wire order.
	sort.Slice(spec.Columns, func(i, j int) bool {
		return spec.Columns[i].Name < spec.Columns[j].Name
	})
	return spec, nil
}
