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

package stream

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNewRequiresOutputModule(t *testing.T) {
	_, err := New(Config{Endpoint: "localhost:443"})
	require.ErrorContains(t, err, "output module")
}

func TestIsRetryable(t *testing.T) {
	ctx := context.Background()

	require.True(t, isRetryable(ctx, fmt.Errorf("receive stream message: %w",
		status.Error(codes.Unavailable, "connection reset"))))
	require.True(t, isRetryable(ctx, fmt.Errorf("receive stream message: %w",
		status.Error(codes.Internal, "boom"))))

	require.False(t, isRetryable(ctx, fmt.Errorf("receive stream message: %w",
		status.Error(codes.Unauthenticated, "bad token"))))
	require.False(t, isRetryable(ctx, fmt.Errorf("receive stream message: %w",
		status.Error(codes.InvalidArgument, "bad request"))))
	require.False(t, isRetryable(ctx, context.Canceled))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.False(t, isRetryable(cancelled, fmt.Errorf("any")))
}
