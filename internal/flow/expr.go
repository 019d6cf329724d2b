// Copyright 2025 James Ross
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"
)

// Evaluator resolves an input transform's expression against the flow's
// evaluation context (flow_input, results.<step_id>, previous_result,
// flow_env, resume, resumes, error). Kept external to Definition/Status so a
// richer expression language can be swapped in without touching the engine.
type Evaluator interface {
	Eval(ctx context.Context, expr string, env map[string]json.RawMessage) (json.RawMessage, error)
	// Truthy resolves a branch/stop_after_if predicate expression against env.
	Truthy(ctx context.Context, expr string, env map[string]json.RawMessage) (bool, error)
}

// JSONPathEvaluator is the default Evaluator: plain value expressions are
// JSONPath queries (`$.results.step1.output`) run against the combined env;
// predicate expressions additionally accept a trailing `<op> <literal>`
// comparison, the same matcher shape the DLQ classifier uses for payload
// field rules.
type JSONPathEvaluator struct{}

var comparisonRe = regexp.MustCompile(`^(.*?)\s*(==|!=|>=|<=|>|<)\s*(.+)$`)

func (JSONPathEvaluator) envAsInterface(env map[string]json.RawMessage) (interface{}, error) {
	m := make(map[string]interface{}, len(env))
	for k, raw := range env {
		if len(raw) == 0 {
			m[k] = nil
			continue
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("flow: decode env %q: %w", k, err)
		}
		m[k] = v
	}
	return m, nil
}

func (e JSONPathEvaluator) Eval(_ context.Context, expr string, env map[string]json.RawMessage) (json.RawMessage, error) {
	data, err := e.envAsInterface(env)
	if err != nil {
		return nil, err
	}
	v, err := jsonpath.Get(expr, data)
	if err != nil {
		return nil, fmt.Errorf("flow: eval %q: %w", expr, err)
	}
	return json.Marshal(v)
}

func (e JSONPathEvaluator) Truthy(ctx context.Context, expr string, env map[string]json.RawMessage) (bool, error) {
	if m := comparisonRe.FindStringSubmatch(expr); m != nil {
		path, op, literal := strings.TrimSpace(m[1]), m[2], strings.TrimSpace(m[3])
		raw, err := e.Eval(ctx, path, env)
		if err != nil {
			return false, err
		}
		return compare(raw, literal, op)
	}

	raw, err := e.Eval(ctx, expr, env)
	if err != nil {
		return false, err
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, err
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case nil:
		return false, nil
	default:
		return true, nil
	}
}

func compare(raw json.RawMessage, literal, op string) (bool, error) {
	var lhs interface{}
	if err := json.Unmarshal(raw, &lhs); err != nil {
		return false, err
	}
	var rhs interface{}
	if err := json.Unmarshal([]byte(literal), &rhs); err != nil {
		rhs = strings.Trim(literal, `"'`)
	}

	if lf, lok := toFloat(lhs); lok {
		if rf, rok := toFloat(rhs); rok {
			switch op {
			case "==":
				return lf == rf, nil
			case "!=":
				return lf != rf, nil
			case ">":
				return lf > rf, nil
			case "<":
				return lf < rf, nil
			case ">=":
				return lf >= rf, nil
			case "<=":
				return lf <= rf, nil
			}
		}
	}

	ls, rs := fmt.Sprintf("%v", lhs), fmt.Sprintf("%v", rhs)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	default:
		return false, fmt.Errorf("flow: operator %q not valid for non-numeric comparison", op)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
