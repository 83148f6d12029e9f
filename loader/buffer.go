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
	pbsubstreamsrpc "github.com/streamingfast/substreams/pb/sf/substreams/rpc/v2"
)

// DefaultBufferLen is the unfinalized window. Twelve blocks covers the
// typical reorg depth of the source network; anything deeper is emitted
// under capacity pressure and becomes unrecoverable here.
const DefaultBufferLen = 12

// FinalityBuffer holds blocks that the source has not yet declared final, so
// an undo signal can discard them before they ever reach the database.
//
// The buffer is a bounded FIFO ordered by receipt. Admit emits, oldest
// first, every resident block at or below the incoming final height; when no
// finality progress arrives it still emits the oldest blocks rather than
// grow past its capacity.
type FinalityBuffer struct {
	capacity int
	blocks   []*pbsubstreamsrpc.BlockScopedData
}

// NewFinalityBuffer returns a buffer holding at most capacity blocks. A
// non-positive capacity falls back to DefaultBufferLen.
func NewFinalityBuffer(capacity int) *FinalityBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferLen
	}
	return &FinalityBuffer{
		capacity: capacity,
		blocks:   make([]*pbsubstreamsrpc.BlockScopedData, 0, capacity),
	}
}

// Len returns the number of resident unfinalized blocks.
func (b *FinalityBuffer) Len() int { return len(b.blocks) }

// Admit accepts the next block from the stream and returns every block that
// must now be processed, oldest first. A block whose number is already at or
// below its own final height bypasses the buffer entirely.
func (b *FinalityBuffer) Admit(block *pbsubstreamsrpc.BlockScopedData) []*pbsubstreamsrpc.BlockScopedData {
	finalHeight := block.FinalBlockHeight

	var emit []*pbsubstreamsrpc.BlockScopedData
	for len(b.blocks) > 0 && b.blocks[0].Clock.Number <= finalHeight {
		emit = append(emit, b.blocks[0])
		b.blocks = b.blocks[1:]
	}

	if block.Clock.Number <= finalHeight {
		emit = append(emit, block)
	} else {
		b.blocks = append(b.blocks, block)
	}

	// Capacity pressure: advance rather than stall.
	for len(b.blocks) > b.capacity {
		emit = append(emit, b.blocks[0])
		b.blocks = b.blocks[1:]
	}

	return emit
}

// Undo discards every resident block strictly after lastValidBlock. Blocks
// that already left the buffer are not retrievable; if lastValidBlock is not
// resident the buffer is left untouched.
func (b *FinalityBuffer) Undo(lastValidBlock uint64) {
	for i := len(b.blocks) - 1; i >= 0; i-- {
		if b.blocks[i].Clock.Number == lastValidBlock {
			b.blocks = b.blocks[:i+1]
			return
		}
	}
}
