// Copyright 2025 James Ross
// Package logstore is the append-only per-job log buffer the worker writes
// to while a script runs and the Completion Pipeline flushes at terminal
// state. Object storage for large artifacts (spec.md §1's Non-goals: "only
// the write/read contract") is represented here as a narrow interface; no
// concrete backend is in scope.
package logstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ObjectStore is the write/read contract spec.md §1 scopes object storage
// down to. A nil ObjectStore means every job's logs stay inline in the
// completed_job row regardless of size.
type ObjectStore interface {
	Write(ctx context.Context, key string, data []byte) (uri string, err error)
	Read(ctx context.Context, uri string) ([]byte, error)
}

// InlineThreshold is the compressed-size cutoff past which Flush ships a
// job's logs to the configured ObjectStore instead of inlining them in the
// completed_job row. 256KiB keeps typical script output inline while
// pathological log spam (a tight retry loop, a runaway print) doesn't bloat
// the completed table.
const InlineThreshold = 256 * 1024

// Buffer accumulates one job's log lines as they're produced, safe for
// concurrent Append calls (stdout/stderr readers run on separate
// goroutines in the language executor).
type Buffer struct {
	mu   sync.Mutex
	buf  bytes.Buffer
}

// NewBuffer returns an empty log buffer for one job.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds a line (or any chunk) of log output, newline-terminating it
// if the caller didn't already.
func (b *Buffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(line)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		b.buf.WriteByte('\n')
	}
}

// Len reports the buffer's current uncompressed size in bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// Flush compresses the accumulated log with zstd and, if the result exceeds
// InlineThreshold and an ObjectStore is configured, writes it out and
// returns a "logstore://<uri>" placeholder for the completed_job row's logs
// column instead of the literal text. A nil store (or a small buffer)
// always returns the plain text inline.
func Flush(ctx context.Context, b *Buffer, jobID string, store ObjectStore) (string, error) {
	b.mu.Lock()
	raw := append([]byte(nil), b.buf.Bytes()...)
	b.mu.Unlock()

	if len(raw) == 0 {
		return "", nil
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return "", fmt.Errorf("logstore: new zstd writer: %w", err)
	}
	defer enc.Close()
	compressed := enc.EncodeAll(raw, nil)

	if store == nil || len(compressed) <= InlineThreshold {
		return string(raw), nil
	}

	uri, err := store.Write(ctx, "logs/"+jobID+".zst", compressed)
	if err != nil {
		return "", fmt.Errorf("logstore: write %s: %w", jobID, err)
	}
	return "logstore://" + uri, nil
}

// Read resolves a completed_job logs value back to plain text: a literal
// inline string passes through unchanged, a "logstore://" placeholder is
// fetched from the ObjectStore and zstd-decompressed.
func Read(ctx context.Context, logs string, store ObjectStore) (string, error) {
	const prefix = "logstore://"
	if len(logs) < len(prefix) || logs[:len(prefix)] != prefix {
		return logs, nil
	}
	if store == nil {
		return "", fmt.Errorf("logstore: no object store configured to resolve %s", logs)
	}
	compressed, err := store.Read(ctx, logs[len(prefix):])
	if err != nil {
		return "", fmt.Errorf("logstore: read %s: %w", logs, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return "", fmt.Errorf("logstore: new zstd reader: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return "", fmt.Errorf("logstore: decode %s: %w", logs, err)
	}
	return string(raw), nil
}
