// Copyright 2025 James Ross
package flow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func rawEnv(t *testing.T, vals map[string]interface{}) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage, len(vals))
	for k, v := range vals {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		out[k] = b
	}
	return out
}

func TestJSONPathEvaluatorEval(t *testing.T) {
	ev := JSONPathEvaluator{}
	env := rawEnv(t, map[string]interface{}{
		"previous_result": map[string]interface{}{"count": 3},
	})
	got, err := ev.Eval(context.Background(), "$.previous_result.count", env)
	require.NoError(t, err)
	require.JSONEq(t, "3", string(got))
}

func TestJSONPathEvaluatorTruthyComparison(t *testing.T) {
	ev := JSONPathEvaluator{}
	env := rawEnv(t, map[string]interface{}{
		"previous_result": map[string]interface{}{"count": 5},
	})
	ok, err := ev.Truthy(context.Background(), "$.previous_result.count > 3", env)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ev.Truthy(context.Background(), "$.previous_result.count == 3", env)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJSONPathEvaluatorTruthyBareBool(t *testing.T) {
	ev := JSONPathEvaluator{}
	env := rawEnv(t, map[string]interface{}{
		"previous_result": map[string]interface{}{"ok": true},
	})
	ok, err := ev.Truthy(context.Background(), "$.previous_result.ok", env)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestJSONPathEvaluatorTruthyStringComparison(t *testing.T) {
	ev := JSONPathEvaluator{}
	env := rawEnv(t, map[string]interface{}{
		"previous_result": map[string]interface{}{"status": "ok"},
	})
	ok, err := ev.Truthy(context.Background(), `$.previous_result.status == "ok"`, env)
	require.NoError(t, err)
	require.True(t, ok)
}
