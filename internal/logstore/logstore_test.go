// Copyright 2025 James Ross
package logstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	written map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{written: map[string][]byte{}} }

func (f *fakeStore) Write(_ context.Context, key string, data []byte) (string, error) {
	f.written[key] = data
	return key, nil
}

func (f *fakeStore) Read(_ context.Context, uri string) ([]byte, error) {
	return f.written[uri], nil
}

func TestFlushInlineSmallLog(t *testing.T) {
	buf := NewBuffer()
	buf.Append("hello")
	buf.Append("world")

	out, err := Flush(context.Background(), buf, "job-1", nil)
	require.NoError(t, err)
	require.Equal(t, "hello\nworld\n", out)
}

func TestFlushEmptyBufferReturnsEmpty(t *testing.T) {
	buf := NewBuffer()
	out, err := Flush(context.Background(), buf, "job-1", newFakeStore())
	require.NoError(t, err)
	require.Equal(t, "", out)
}

func TestFlushShipsLargeLogToObjectStore(t *testing.T) {
	buf := NewBuffer()
	// A large, low-entropy line compresses well below InlineThreshold, so
	// ship raw incompressible content that still overflows the threshold
	// once zstd-compressed.
	for i := 0; i < 40000; i++ {
		buf.Append(randomish(i))
	}
	store := newFakeStore()

	out, err := Flush(context.Background(), buf, "job-2", store)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "logstore://"))

	back, err := Read(context.Background(), out, store)
	require.NoError(t, err)
	require.Contains(t, back, "line-0-")
}

func TestReadPassesThroughInlineLogs(t *testing.T) {
	out, err := Read(context.Background(), "plain text log", nil)
	require.NoError(t, err)
	require.Equal(t, "plain text log", out)
}

func TestReadWithoutStoreErrorsOnShippedLog(t *testing.T) {
	_, err := Read(context.Background(), "logstore://logs/x.zst", nil)
	require.Error(t, err)
}

func randomish(i int) string {
	// A hex-encoded SHA-256 per line is deterministic but leaves zstd no
	// repeats to exploit, so 40000 lines compress to well over
	// InlineThreshold without flakiness.
	sum := sha256.Sum256([]byte(strconv.Itoa(i)))
	return "line-0-" + hex.EncodeToString(sum[:])
}
