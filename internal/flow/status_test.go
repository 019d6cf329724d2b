// Copyright 2025 James Ross
package flow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStatusInitializesModulesWaiting(t *testing.T) {
	def := Definition{
		Modules: []Module{
			{ID: "a", Kind: ModIdentity},
			{ID: "b", Kind: ModIdentity},
		},
	}
	raw, err := json.Marshal(def)
	require.NoError(t, err)

	out, err := NewStatus(raw)
	require.NoError(t, err)

	var st Status
	require.NoError(t, json.Unmarshal(out, &st))
	require.Equal(t, Step{Index: 0}, st.Step)
	require.Len(t, st.Modules, 2)
	for _, m := range st.Modules {
		require.Equal(t, StateWaitingForPriorSteps, m.State)
	}
}

func TestNewStatusStartsAtPreprocessor(t *testing.T) {
	def := Definition{
		Preprocessor: &Module{ID: "pre", Kind: ModIdentity},
		Modules:      []Module{{ID: "a", Kind: ModIdentity}},
	}
	raw, err := json.Marshal(def)
	require.NoError(t, err)

	out, err := NewStatus(raw)
	require.NoError(t, err)

	var st Status
	require.NoError(t, json.Unmarshal(out, &st))
	require.True(t, st.Step.Preprocessor)
	require.NotNil(t, st.Preprocessor)
	require.Equal(t, StateWaitingForPriorSteps, st.Preprocessor.State)
}

func TestRestartStatusKeepsSuccessfulPrefix(t *testing.T) {
	def := Definition{
		Modules: []Module{
			{ID: "a", Kind: ModIdentity},
			{ID: "b", Kind: ModIdentity},
			{ID: "c", Kind: ModIdentity},
		},
	}
	rawDef, err := json.Marshal(def)
	require.NoError(t, err)

	orig := Status{
		Step: Step{Index: 3},
		Modules: []ModuleStatus{
			{ID: "a", State: StateSuccess, Result: json.RawMessage(`1`)},
			{ID: "b", State: StateSuccess, Result: json.RawMessage(`2`)},
			{ID: "c", State: StateSuccess, Result: json.RawMessage(`3`)},
		},
	}
	rawOrig, err := json.Marshal(orig)
	require.NoError(t, err)

	out, err := RestartStatus(rawDef, rawOrig, "b")
	require.NoError(t, err)

	var st Status
	require.NoError(t, json.Unmarshal(out, &st))
	require.Equal(t, Step{Index: 1}, st.Step)
	require.Equal(t, StateSuccess, st.Modules[0].State)
	require.Equal(t, StateWaitingForPriorSteps, st.Modules[1].State)
	require.Equal(t, StateWaitingForPriorSteps, st.Modules[2].State)
	require.NotNil(t, st.RestartedFrom)
	require.Equal(t, "b", st.RestartedFrom.StepID)
}

func TestRestartStatusRejectsNonSuccessPrefix(t *testing.T) {
	def := Definition{
		Modules: []Module{
			{ID: "a", Kind: ModIdentity},
			{ID: "b", Kind: ModIdentity},
		},
	}
	rawDef, err := json.Marshal(def)
	require.NoError(t, err)

	orig := Status{
		Step: Step{Index: 1},
		Modules: []ModuleStatus{
			{ID: "a", State: StateFailure},
			{ID: "b", State: StateWaitingForPriorSteps},
		},
	}
	rawOrig, err := json.Marshal(orig)
	require.NoError(t, err)

	_, err = RestartStatus(rawDef, rawOrig, "b")
	require.Error(t, err)
}

func TestRestartStatusUnknownStepErrors(t *testing.T) {
	def := Definition{Modules: []Module{{ID: "a", Kind: ModIdentity}}}
	rawDef, err := json.Marshal(def)
	require.NoError(t, err)

	orig := Status{Modules: []ModuleStatus{{ID: "a", State: StateSuccess}}}
	rawOrig, err := json.Marshal(orig)
	require.NoError(t, err)

	_, err = RestartStatus(rawDef, rawOrig, "nope")
	require.Error(t, err)
}
