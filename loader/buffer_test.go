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
	"fmt"
	"testing"

	pbsubstreamsrpc "github.com/streamingfast/substreams/pb/sf/substreams/rpc/v2"
	pbsubstreams "github.com/streamingfast/substreams/pb/sf/substreams/v1"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testBlock(number, finalHeight uint64) *pbsubstreamsrpc.BlockScopedData {
	return &pbsubstreamsrpc.BlockScopedData{
		Clock:            &pbsubstreams.Clock{Number: number, Id: fmt.Sprintf("block-%d", number)},
		FinalBlockHeight: finalHeight,
		Cursor:           fmt.Sprintf("cursor-%d", number),
	}
}

func numbers(blocks []*pbsubstreamsrpc.BlockScopedData) []uint64 {
	out := make([]uint64, len(blocks))
	for i, b := range blocks {
		out[i] = b.Clock.Number
	}
	return out
}

func TestFinalityBufferEmitsFinalBlocksImmediately(t *testing.T) {
	buf := NewFinalityBuffer(DefaultBufferLen)

	for n := uint64(0); n <= 9; n++ {
		emitted := buf.Admit(testBlock(n, 10))
		require.Equal(t, []uint64{n}, numbers(emitted))
		require.Equal(t, 0, buf.Len())
	}
}

func TestFinalityBufferCapacityPressure(t *testing.T) {
	buf := NewFinalityBuffer(DefaultBufferLen)

	for n := uint64(11); n <= 22; n++ {
		emitted := buf.Admit(testBlock(n, 0))
		require.Empty(t, emitted)
	}
	require.Equal(t, DefaultBufferLen, buf.Len())

	// The 13th unfinalized block displaces the oldest.
	emitted := buf.Admit(testBlock(23, 0))
	require.Equal(t, []uint64{11}, numbers(emitted))
	require.Equal(t, DefaultBufferLen, buf.Len())

	// Flush the window with a fully-final admit to observe its contents.
	emitted = buf.Admit(testBlock(24, 100))
	require.Equal(t, []uint64{12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24}, numbers(emitted))
	require.Equal(t, 0, buf.Len())
}

func seededBuffer(t *testing.T, from, to uint64) *FinalityBuffer {
	t.Helper()
	buf := NewFinalityBuffer(DefaultBufferLen)
	for n := from; n <= to; n++ {
		buf.blocks = append(buf.blocks, testBlock(n, 0))
	}
	return buf
}

func TestFinalityBufferUndoWithinWindow(t *testing.T) {
	buf := seededBuffer(t, 0, 11)
	require.Equal(t, 12, buf.Len())

	buf.Undo(8)
	require.Equal(t, 9, buf.Len())

	emitted := buf.Admit(testBlock(12, 100))
	require.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 12}, numbers(emitted))
}

func TestFinalityBufferUndoOutsideWindow(t *testing.T) {
	buf := seededBuffer(t, 0, 11)

	buf.Undo(100)
	require.Equal(t, 12, buf.Len())
}

func TestFinalityBufferEmitsPrefixInOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 16).Draw(t, "capacity")
		count := rapid.IntRange(0, 64).Draw(t, "count")
		buf := NewFinalityBuffer(capacity)

		var input, emitted []uint64
		number := uint64(0)
		for i := 0; i < count; i++ {
			number += rapid.Uint64Range(1, 5).Draw(t, "step")
			finalHeight := rapid.Uint64Range(0, number+20).Draw(t, "final_height")
			input = append(input, number)

			out := buf.Admit(testBlock(number, finalHeight))
			emitted = append(emitted, numbers(out)...)

			if buf.Len() > capacity {
				t.Fatalf("buffer grew past capacity: %d > %d", buf.Len(), capacity)
			}
			if number <= finalHeight && (len(out) == 0 || out[len(out)-1].Clock.Number != number) {
				t.Fatalf("final block %d missing from its own admit emit list", number)
			}
		}

		// Every emission run is a prefix of the not-yet-emitted input.
		if len(emitted) > len(input) {
			t.Fatalf("emitted more blocks than admitted")
		}
		for i, n := range emitted {
			if input[i] != n {
				t.Fatalf("emit order diverged at %d: got %d, want %d", i, n, input[i])
			}
		}
	})
}

func TestFinalityBufferUndoDropsSuffix(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 16).Draw(t, "capacity")
		count := rapid.IntRange(1, 16).Draw(t, "count")
		buf := NewFinalityBuffer(capacity)

		var resident []uint64
		number := uint64(0)
		for i := 0; i < count; i++ {
			number += rapid.Uint64Range(1, 5).Draw(t, "step")
			buf.Admit(testBlock(number, 0))
		}
		for _, b := range buf.blocks {
			resident = append(resident, b.Clock.Number)
		}

		var target uint64
		if len(resident) > 0 && rapid.Bool().Draw(t, "resident_target") {
			target = rapid.SampledFrom(resident).Draw(t, "target")
		} else {
			target = number + rapid.Uint64Range(1, 100).Draw(t, "beyond")
		}

		buf.Undo(target)
		for _, b := range buf.blocks {
			if b.Clock.Number > target {
				t.Fatalf("block %d survived undo(%d)", b.Clock.Number, target)
			}
		}
	})
}
