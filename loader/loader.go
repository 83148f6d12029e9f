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

package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	pbdatabase "github.com/streamingfast/substreams-sink-database-changes/pb/sf/substreams/sink/database/v1"
	pbsubstreamsrpc "github.com/streamingfast/substreams/pb/sf/substreams/rpc/v2"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// TableWriter is the per-table append session the loader routes rows into.
// *chdb.Inserter is the production implementation.
type TableWriter interface {
	Write(fields map[string]string) error
	Commit() error
	End() error
}

// CursorWriter durably records the resume point. *chdb.CursorStore is the
// production implementation.
type CursorWriter interface {
	Persist(cursor string, blockNum uint64, blockID string) error
	End() error
}

// BlockSource yields the next stream event: exactly one of data or undo is
// non-nil on a nil error. Errors are fatal; retrying transport faults is the
// source's job.
type BlockSource interface {
	Next(ctx context.Context) (data *pbsubstreamsrpc.BlockScopedData, undo *pbsubstreamsrpc.BlockUndoSignal, err error)
}

// Loader drives the stream into per-table inserters. It owns all mutable
// state; block processing is strictly sequential.
type Loader struct {
	tables map[string]TableWriter
	cursor CursorWriter
	buffer *FinalityBuffer
	logger *zap.Logger
}

// New wires a loader over already-opened table writers and cursor store.
func New(tables map[string]TableWriter, cursor CursorWriter, buffer *FinalityBuffer, logger *zap.Logger) *Loader {
	return &Loader{
		tables: tables,
		cursor: cursor,
		buffer: buffer,
		logger: logger,
	}
}

// Run consumes the source until termination. The context carries the
// termination signal and is preferred over new work: a cancelled context is
// observed before the next message is taken. On return, every append
// session has been drained (best effort on the error path).
func (l *Loader) Run(ctx context.Context, source BlockSource) error {
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("termination requested, draining inserters")
			return l.end()
		default:
		}

		data, undo, err := source.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			l.logger.Info("stream consumed, draining inserters")
			return l.end()
		case err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil):
			l.logger.Info("termination requested, draining inserters")
			return l.end()
		case err != nil:
			endErr := l.end()
			if endErr != nil {
				l.logger.Warn("drain after stream error failed", zap.Error(endErr))
			}
			return fmt.Errorf("stream: %w", err)
		case undo != nil:
			l.handleUndo(undo)
		case data != nil:
			if err := l.handleBlockScopedData(data); err != nil {
				endErr := l.end()
				if endErr != nil {
					l.logger.Warn("drain after loader error failed", zap.Error(endErr))
				}
				return err
			}
		}
	}
}

func (l *Loader) handleBlockScopedData(data *pbsubstreamsrpc.BlockScopedData) error {
	for _, block := range l.buffer.Admit(data) {
		if err := l.processBlock(block); err != nil {
			return fmt.Errorf("block %d: %w", block.Clock.Number, err)
		}
	}
	return nil
}

func (l *Loader) handleUndo(undo *pbsubstreamsrpc.BlockUndoSignal) {
	// Unfinalized blocks never reached an inserter, so undoing is purely a
	// buffer operation.
	l.buffer.Undo(undo.LastValidBlock.Number)
	undoSignalCount.Inc()
	l.logger.Info("undo signal applied",
		zap.Uint64("last_valid_block", undo.LastValidBlock.Number),
		zap.Int("buffered", l.buffer.Len()),
	)
}

// processBlock writes one finalized block: decode, route rows per table,
// commit each table, then persist the cursor. The cursor is persisted
// strictly after every table commit so a crash always replays an unfinished
// block.
func (l *Loader) processBlock(block *pbsubstreamsrpc.BlockScopedData) error {
	output := block.Output.GetMapOutput()

	changes := &pbdatabase.DatabaseChanges{}
	if err := proto.Unmarshal(output.GetValue(), changes); err != nil {
		return fmt.Errorf("decode database changes: %w", err)
	}

	for _, group := range groupByTable(changes.TableChanges) {
		writer, ok := l.tables[group.table]
		if !ok {
			return fmt.Errorf("change for unknown table %s", group.table)
		}
		for _, change := range group.changes {
			if err := writer.Write(rowFields(change)); err != nil {
				return err
			}
			rowsWrittenCount.Inc()
		}
		if err := writer.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", group.table, err)
		}
	}

	if err := l.cursor.Persist(block.Cursor, block.Clock.Number, block.Clock.Id); err != nil {
		return err
	}
	blocksProcessedCount.Inc()

	l.logger.Info("block processed",
		zap.Uint64("number", block.Clock.Number),
		zap.String("payload", strings.TrimPrefix(output.GetTypeUrl(), "type.googleapis.com/")),
		zap.Int("bytes", len(output.GetValue())),
	)
	return nil
}

// rowFields builds the row's column values: the change's new values,
// augmented by composite primary-key columns. A plain pk carries no extra
// columns and is ignored.
func rowFields(change *pbdatabase.TableChange) map[string]string {
	fields := make(map[string]string, len(change.Fields))
	for _, field := range change.Fields {
		fields[field.Name] = field.NewValue
	}
	if composite, ok := change.PrimaryKey.(*pbdatabase.TableChange_CompositePk); ok {
		for name, value := range composite.CompositePk.Keys {
			fields[name] = value
		}
	}
	return fields
}

type tableGroup struct {
	table   string
	changes []*pbdatabase.TableChange
}

// groupByTable splits changes per destination table, keeping first-seen
// table order and per-table change order stable.
func groupByTable(changes []*pbdatabase.TableChange) []tableGroup {
	var groups []tableGroup
	index := make(map[string]int)
	for _, change := range changes {
		i, ok := index[change.Table]
		if !ok {
			i = len(groups)
			index[change.Table] = i
			groups = append(groups, tableGroup{table: change.Table})
		}
		groups[i].changes = append(groups[i].changes, change)
	}
	return groups
}

// end drains every append session. All sessions are ended even when an
// earlier one fails.
func (l *Loader) end() error {
	var errs []error
	for name, writer := range l.tables {
		if err := writer.End(); err != nil {
			errs = append(errs, fmt.Errorf("end %s: %w", name, err))
		}
	}
	if err := l.cursor.End(); err != nil {
		errs = append(errs, fmt.Errorf("end cursor store: %w", err))
	}
	return errors.Join(errs...)
}
