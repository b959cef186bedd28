// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package limiter

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingWriter struct {
	written int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.written += len(p)
	return len(p), nil
}

func TestNewDisabledReturnsNil(t *testing.T) {
	require.Nil(t, New(0))
	require.Nil(t, New(-1))
}

func TestNilThrottlePassesWritesThrough(t *testing.T) {
	cw := &countingWriter{}
	var throttle *WriteThrottle
	w := throttle.Writer(context.Background(), cw)
	require.Same(t, io.Writer(cw), w)
}

func TestWriterEnforcesByteQuota(t *testing.T) {
	throttle := New(1)
	cw := &countingWriter{}
	w := throttle.Writer(context.Background(), cw)

	n, err := w.Write(make([]byte, 1024))
	require.NoError(t, err)
	require.Equal(t, 1024, n)
	require.Equal(t, 1024, cw.written)
}

func TestWriterRespectsCanceledContext(t *testing.T) {
	throttle := New(1)
	throttle.tokens.SetBurst(1)
	cw := &countingWriter{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := throttle.Writer(ctx, cw)

	_, err := w.Write(make([]byte, 2))
	require.Error(t, err)
	require.Equal(t, 0, cw.written)
}
