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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testSpec = TableSpec{
	Name: "events",
	Columns: []Column{
		{Name: "id", Type: ColumnType{Kind: KindUInt64}},
		{Name: "name", Type: ColumnType{Kind: KindString}},
	},
}

func TestInserterFlushesCommittedRowsOnEnd(t *testing.T) {
	ch := newFakeClickHouse(t)
	ins := NewInserter(ch.client(t), testSpec, zap.NewNop(), WithFlushInterval(time.Hour))

	require.NoError(t, ins.Write(map[string]string{"id": "1", "name": "a"}))
	require.NoError(t, ins.Write(map[string]string{"id": "2", "name": "b"}))
	require.NoError(t, ins.Commit())
	require.NoError(t, ins.End())

	require.Equal(t, 1, ch.insertCount())
	sent := ch.insertAt(0)
	require.Contains(t, sent.Query, "INSERT INTO `testdb`.`events` (`id`, `name`) FORMAT RowBinary")
	require.Equal(t, []byte{
		1, 0, 0, 0, 0, 0, 0, 0, 1, 'a',
		2, 0, 0, 0, 0, 0, 0, 0, 1, 'b',
	}, sent.Body)
}

func TestInserterDiscardsUncommittedRows(t *testing.T) {
	ch := newFakeClickHouse(t)
	ins := NewInserter(ch.client(t), testSpec, zap.NewNop(), WithFlushInterval(time.Hour))

	require.NoError(t, ins.Write(map[string]string{"id": "1", "name": "a"}))
	require.NoError(t, ins.End())

	require.Equal(t, 0, ch.insertCount())
}

func TestInserterCommitBoundaryExcludesPendingRows(t *testing.T) {
	ch := newFakeClickHouse(t)
	ins := NewInserter(ch.client(t), testSpec, zap.NewNop(), WithFlushInterval(30*time.Millisecond))

	require.NoError(t, ins.Write(map[string]string{"id": "1", "name": "a"}))
	require.NoError(t, ins.Commit())
	require.NoError(t, ins.Write(map[string]string{"id": "2", "name": "b"}))

	require.Eventually(t, func() bool { return ch.insertCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0, 1, 'a'}, ch.insertAt(0).Body)

	// The pending row only ships once committed.
	require.NoError(t, ins.Commit())
	require.NoError(t, ins.End())
	require.Equal(t, 2, ch.insertCount())
	require.Equal(t, []byte{2, 0, 0, 0, 0, 0, 0, 0, 1, 'b'}, ch.insertAt(1).Body)
}

func TestInserterFillsAbsentColumnsWithZeroValues(t *testing.T) {
	ch := newFakeClickHouse(t)
	ins := NewInserter(ch.client(t), testSpec, zap.NewNop(), WithFlushInterval(time.Hour))

	require.NoError(t, ins.Write(map[string]string{"name": "a"}))
	require.NoError(t, ins.Commit())
	require.NoError(t, ins.End())

	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 1, 'a'}, ch.insertAt(0).Body)
}

func TestInserterWriteFailureLeavesBatchIntact(t *testing.T) {
	ch := newFakeClickHouse(t)
	ins := NewInserter(ch.client(t), testSpec, zap.NewNop(), WithFlushInterval(time.Hour))

	require.NoError(t, ins.Write(map[string]string{"id": "1", "name": "a"}))
	require.Error(t, ins.Write(map[string]string{"id": "nope", "name": "b"}))
	require.NoError(t, ins.Commit())
	require.NoError(t, ins.End())

	// Only the good row made it, with no partial bytes from the bad one.
	require.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0, 1, 'a'}, ch.insertAt(0).Body)
}

func TestInserterSizeThresholdFlushesOnCommit(t *testing.T) {
	ch := newFakeClickHouse(t)
	ins := NewInserter(ch.client(t), testSpec, zap.NewNop(),
		WithFlushInterval(time.Hour), WithBatchMaxSize(1))

	require.NoError(t, ins.Write(map[string]string{"id": "1", "name": "a"}))
	require.NoError(t, ins.Commit())

	require.Equal(t, 1, ch.insertCount())
	require.NoError(t, ins.End())
}

func TestInserterFlushErrorIsSticky(t *testing.T) {
	ch := newFakeClickHouse(t)
	ins := NewInserter(ch.client(t), testSpec, zap.NewNop(),
		WithFlushInterval(time.Hour), WithBatchMaxSize(1))

	ch.setFailNext()
	require.NoError(t, ins.Write(map[string]string{"id": "1", "name": "a"}))
	err := ins.Commit()
	require.ErrorContains(t, err, "simulated failure")

	require.ErrorContains(t, ins.Write(map[string]string{"id": "2", "name": "b"}), "simulated failure")
	require.ErrorContains(t, ins.End(), "simulated failure")
}
