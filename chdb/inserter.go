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
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultBatchMaxSize bounds how large a committed batch may grow before it
// is flushed ahead of the period.
const DefaultBatchMaxSize = 16 << 20

// Inserter owns an append session to one destination table. Rows are written
// into a pending batch, promoted to the committed batch by Commit, and the
// committed batch is flushed as a single RowBinary INSERT on a period timer
// (or earlier under size pressure). Rows between two Commit calls are either
// all sent in one batch or, if the process dies first, all absent.
type Inserter struct {
	client *Client
	spec   TableSpec
	logger *zap.Logger

	interval time.Duration
	maxSize  int

	mu            sync.Mutex
	pending       bytes.Buffer
	pendingRows   int
	committed     bytes.Buffer
	committedRows int
	err           error

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// InserterOption customizes an Inserter.
type InserterOption func(*Inserter)

// WithFlushInterval overrides the periodic flush interval.
func WithFlushInterval(d time.Duration) InserterOption {
	return func(ins *Inserter) { ins.interval = d }
}

// WithBatchMaxSize overrides the size threshold that triggers an early flush.
func WithBatchMaxSize(n int) InserterOption {
	return func(ins *Inserter) { ins.maxSize = n }
}

// NewInserter opens an append session for the given table and starts its
// flush timer.
func NewInserter(client *Client, spec TableSpec, logger *zap.Logger, opts ...InserterOption) *Inserter {
	ins := &Inserter{
		client:   client,
		spec:     spec,
		logger:   logger.With(zap.String("table", spec.Name)),
		interval: DefaultFlushInterval,
		maxSize:  DefaultBatchMaxSize,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ins)
	}
	go ins.flushLoop()
	return ins
}

// Table returns the destination table name.
func (ins *Inserter) Table() string { return ins.spec.Name }

// Write serializes one row into the pending batch. The row spans the table's
// full column tuple in schema order; fields with no value encode as the
// column type's zero value.
func (ins *Inserter) Write(fields map[string]string) error {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	if ins.err != nil {
		return ins.err
	}

	mark := ins.pending.Len()
	for _, col := range ins.spec.Columns {
		raw, ok := fields[col.Name]
		if !ok {
			raw = zeroValue(col.Type)
		}
		if err := AppendValue(&ins.pending, col.Type, raw); err != nil {
			ins.pending.Truncate(mark)
			return fmt.Errorf("write row for %s column %s: %w", ins.spec.Name, col.Name, err)
		}
	}
	ins.pendingRows++
	return nil
}

// Commit promotes all pending rows into the committed batch, making them
// eligible for the next flush boundary.
func (ins *Inserter) Commit() error {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	if ins.err != nil {
		return ins.err
	}
	if ins.pendingRows > 0 {
		ins.committed.Write(ins.pending.Bytes())
		ins.committedRows += ins.pendingRows
		ins.pending.Reset()
		ins.pendingRows = 0
	}
	if ins.committed.Len() >= ins.maxSize {
		return ins.flushLocked(context.Background())
	}
	return nil
}

// End stops the flush timer, drains the committed batch and closes the
// session. Rows written but never committed are discarded. It returns the
// first error the session encountered.
func (ins *Inserter) End() error {
	ins.stopOnce.Do(func() { close(ins.stop) })
	<-ins.done

	ins.mu.Lock()
	defer ins.mu.Unlock()
	if ins.pendingRows > 0 {
		ins.logger.Debug("discarding uncommitted rows at end", zap.Int("rows", ins.pendingRows))
		ins.pending.Reset()
		ins.pendingRows = 0
	}
	if err := ins.flushLocked(context.Background()); err != nil {
		return err
	}
	return ins.err
}

func (ins *Inserter) flushLoop() {
	defer close(ins.done)
	ticker := time.NewTicker(ins.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ins.stop:
			return
		case <-ticker.C:
			ins.mu.Lock()
			if err := ins.flushLocked(context.Background()); err != nil {
				ins.logger.Warn("periodic flush failed", zap.Error(err))
			}
			ins.mu.Unlock()
		}
	}
}

// flushLocked sends the committed batch. The caller holds ins.mu. A failed
// flush aborts the batch and poisons the session: the loader treats the
// error as fatal for the block in flight and never advances the cursor past
// it.
func (ins *Inserter) flushLocked(ctx context.Context) error {
	if ins.err != nil {
		return ins.err
	}
	if ins.committedRows == 0 {
		return nil
	}
	rows := ins.committedRows
	start := time.Now()
	if err := ins.client.insert(ctx, ins.spec.Name, ins.spec.ColumnNames(), ins.committed.Bytes()); err != nil {
		ins.err = err
		return err
	}
	ins.committed.Reset()
	ins.committedRows = 0
	ins.logger.Debug("flushed batch", zap.Int("rows", rows), zap.Duration("took", time.Since(start)))
	return nil
}
