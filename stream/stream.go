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

// Package stream adapts the substreams gRPC endpoint into the loader's
// BlockSource contract: a blocking iterator over New/Undo events that hides
// reconnection and backoff from the consumer.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streamingfast/substreams/client"
	pbsubstreamsrpc "github.com/streamingfast/substreams/pb/sf/substreams/rpc/v2"
	pbsubstreams "github.com/streamingfast/substreams/pb/sf/substreams/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Config parameterizes the substreams connection.
type Config struct {
	Endpoint     string
	Token        string
	Modules      *pbsubstreams.Modules
	OutputModule string
	StartBlock   int64
	StopBlock    uint64 // 0 means stream forever
	Cursor       string // resume token, empty to start fresh
	Logger       *zap.Logger
}

// Stream is a reconnecting iterator over the substreams Blocks RPC. It is
// not safe for concurrent use; the loader is its single consumer.
type Stream struct {
	cfg       Config
	logger    *zap.Logger
	ssClient  pbsubstreamsrpc.StreamClient
	closeFunc func() error
	callOpts  []grpc.CallOption

	blocks       pbsubstreamsrpc.Stream_BlocksClient
	activeCursor string
	retry        backoff.BackOff
}

// New dials the endpoint. The stream itself is only opened on the first
// Next call.
func New(cfg Config) (*Stream, error) {
	if cfg.OutputModule == "" {
		return nil, fmt.Errorf("output module name is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	clientConfig := client.NewSubstreamsClientConfig(cfg.Endpoint, cfg.Token, false, false)
	ssClient, closeFunc, callOpts, err := client.NewSubstreamsClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("new substreams client: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 5 * time.Minute

	return &Stream{
		cfg:          cfg,
		logger:       cfg.Logger,
		ssClient:     ssClient,
		closeFunc:    closeFunc,
		callOpts:     callOpts,
		activeCursor: cfg.Cursor,
		retry:        backoff.WithMaxRetries(policy, 15),
	}, nil
}

// Close tears down the underlying connection.
func (s *Stream) Close() error {
	if s.closeFunc == nil {
		return nil
	}
	return s.closeFunc()
}

// Next blocks until the stream yields a block or an undo signal. Transport
// faults are retried with exponential backoff, resuming from the last
// received cursor; io.EOF means the stop block was reached. Any other
// returned error is fatal.
func (s *Stream) Next(ctx context.Context) (*pbsubstreamsrpc.BlockScopedData, *pbsubstreamsrpc.BlockUndoSignal, error) {
	for {
		if s.blocks == nil {
			if err := s.open(ctx); err != nil {
				if err := s.handleFault(ctx, err); err != nil {
					return nil, nil, err
				}
				continue
			}
		}

		resp, err := s.blocks.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// On networks that skip block numbers the stop block may not
				// exist; trust the endpoint that the range is done.
				return nil, nil, io.EOF
			}
			s.blocks = nil
			if err := s.handleFault(ctx, fmt.Errorf("receive stream message: %w", err)); err != nil {
				return nil, nil, err
			}
			continue
		}

		s.retry.Reset()

		switch msg := resp.Message.(type) {
		case *pbsubstreamsrpc.Response_BlockScopedData:
			s.activeCursor = msg.BlockScopedData.Cursor
			return msg.BlockScopedData, nil, nil

		case *pbsubstreamsrpc.Response_BlockUndoSignal:
			s.activeCursor = msg.BlockUndoSignal.LastValidCursor
			return nil, msg.BlockUndoSignal, nil

		case *pbsubstreamsrpc.Response_Progress:
			continue

		case *pbsubstreamsrpc.Response_Session:
			s.logger.Info("session initialized with remote endpoint",
				zap.String("trace_id", msg.Session.TraceId))
			continue

		default:
			s.logger.Debug("ignoring unknown stream message", zap.Any("message", resp.Message))
			continue
		}
	}
}

func (s *Stream) open(ctx context.Context) error {
	stopBlock := s.cfg.StopBlock
	if stopBlock == 0 {
		stopBlock = math.MaxUint64
	}

	req := &pbsubstreamsrpc.Request{
		StartBlockNum:   s.cfg.StartBlock,
		StopBlockNum:    stopBlock,
		StartCursor:     s.activeCursor,
		FinalBlocksOnly: false,
		Modules:         s.cfg.Modules,
		OutputModule:    s.cfg.OutputModule,
		ProductionMode:  true,
	}

	s.logger.Debug("launching substreams request",
		zap.Int64("start_block", req.StartBlockNum),
		zap.Bool("has_cursor", req.StartCursor != ""),
	)

	blocks, err := s.ssClient.Blocks(ctx, req, s.callOpts...)
	if err != nil {
		return fmt.Errorf("call Blocks: %w", err)
	}
	s.blocks = blocks
	return nil
}

// handleFault sleeps per the backoff policy for retryable faults and
// returns the error itself for fatal ones.
func (s *Stream) handleFault(ctx context.Context, cause error) error {
	if !isRetryable(ctx, cause) {
		return cause
	}

	wait := s.retry.NextBackOff()
	if wait == backoff.Stop {
		return fmt.Errorf("backoff expired: %w", cause)
	}

	s.logger.Warn("substreams fault, reconnecting",
		zap.Error(cause),
		zap.Duration("sleep", wait),
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied:
			return false
		}
	}
	return true
}
