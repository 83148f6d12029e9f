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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blocksProcessedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elric_blocks_processed_total",
		Help: "Finalized blocks fully written, including their cursor row",
	})
	rowsWrittenCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elric_rows_written_total",
		Help: "Rows handed to table inserters",
	})
	undoSignalCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elric_undo_signals_total",
		Help: "Undo signals applied to the finality buffer",
	})
)
