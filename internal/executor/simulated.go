// Copyright 2025 James Ross
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowforge/jobqueue/internal/queue"
)

// Simulated stands in for a real language runtime: it sleeps proportionally
// to the args payload size and fails whenever the payload's raw bytes
// contain the literal "fail", the same deterministic success heuristic the
// teacher's processJob used (job.FilePath containing "fail") before any
// real sandboxing existed.
type Simulated struct {
	// PerKB is how long to sleep per KB of Args, capped at Max.
	PerKB time.Duration
	Max   time.Duration
}

func NewSimulated() *Simulated {
	return &Simulated{PerKB: time.Millisecond, Max: time.Second}
}

func (s *Simulated) Execute(ctx context.Context, job *queue.Job, jobDir, authToken string) (Result, error) {
	logs := fmt.Sprintf("starting job %s in %s\n", job.ID, jobDir)
	dur := time.Duration(len(job.Args)/1024) * s.PerKB
	if dur > s.Max {
		dur = s.Max
	}
	if dur > 0 {
		timer := time.NewTimer(dur)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{Success: false, ErrVal: json.RawMessage(`"canceled"`), Logs: logs + "canceled\n"}, nil
		case <-timer.C:
		}
	}

	if bytes.Contains(job.Args, []byte("fail")) {
		return Result{Success: false, ErrVal: json.RawMessage(`"simulated failure"`), Logs: logs + "failed\n"}, nil
	}
	return Result{Success: true, Output: json.RawMessage(`{}`), Logs: logs + "done\n"}, nil
}

var _ LanguageExecutor = (*Simulated)(nil)
