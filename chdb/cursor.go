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
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
)

// CursorTable is the append-only resume-point table. Multiple rows may exist
// per worker id; the greatest block_num wins.
const CursorTable = "cursors"

// ErrCursorNotFound means no cursor row exists for the worker id.
var ErrCursorNotFound = errors.New("cursor not found")

var cursorSpec = TableSpec{
	Name: CursorTable,
	Columns: []Column{
		{Name: "block_id", Type: ColumnType{Kind: KindString}},
		{Name: "block_num", Type: ColumnType{Kind: KindUInt64}},
		{Name: "cursor", Type: ColumnType{Kind: KindString}},
		{Name: "id", Type: ColumnType{Kind: KindString}},
	},
}

// CursorStore durably records the loader's resume point. It shares the
// Inserter's batching machinery: each Persist is one committed row, flushed
// on the period timer.
type CursorStore struct {
	id  string
	ins *Inserter
}

// NewCursorStore opens the append session for the cursors table.
func NewCursorStore(client *Client, id string, logger *zap.Logger, opts ...InserterOption) *CursorStore {
	return &CursorStore{
		id:  id,
		ins: NewInserter(client, cursorSpec, logger, opts...),
	}
}

// Persist writes exactly one cursor row and commits it. Callers invoke it
// only after every table commit for the block has succeeded, so a replayed
// block can never sit behind an already-advanced cursor.
func (s *CursorStore) Persist(cursor string, blockNum uint64, blockID string) error {
	row := map[string]string{
		"id":        s.id,
		"cursor":    cursor,
		"block_num": strconv.FormatUint(blockNum, 10),
		"block_id":  blockID,
	}
	if err := s.ins.Write(row); err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}
	if err := s.ins.Commit(); err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}
	return nil
}

// End drains and closes the cursor session.
func (s *CursorStore) End() error {
	return s.ins.End()
}

type cursorRow struct {
	Cursor   string `json:"cursor"`
	BlockNum uint64 `json:"block_num,string"`
	BlockID  string `json:"block_id"`
}

// LoadCursor reads the resume point for the worker id: the row with the
// greatest block_num. Returns ErrCursorNotFound when the worker has never
// persisted one.
func LoadCursor(ctx context.Context, client *Client, id string) (cursor string, blockNum uint64, err error) {
	rows, err := Select[cursorRow](ctx, client, fmt.Sprintf(
		`SELECT cursor, block_num, block_id FROM %s.%s WHERE id = %s ORDER BY block_num DESC LIMIT 1`,
		quoteIdent(client.Database()), quoteIdent(CursorTable), quoteString(id)))
	if err != nil {
		return "", 0, fmt.Errorf("load cursor: %w", err)
	}
	if len(rows) == 0 {
		return "", 0, ErrCursorNotFound
	}
	return rows[0].Cursor, rows[0].BlockNum, nil
}
