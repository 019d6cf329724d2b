// Copyright 2025 James Ross
package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobMarshalUnmarshalRoundTrip(t *testing.T) {
	prio := 3
	j := Job{
		ID:          NewID(),
		WorkspaceID: "ws1",
		Kind:        KindScript,
		Tag:         "default",
		Priority:    &prio,
		CreatedAt:   time.Unix(1000, 0).UTC(),
		Args:        []byte(`{"x":1}`),
		LeafJobs: map[string]LeafJobRef{
			"step1": {Single: "child-id"},
			"step2": {List: []string{"a", "b"}},
		},
	}

	s, err := j.Marshal()
	require.NoError(t, err)

	j2, err := UnmarshalJob(s)
	require.NoError(t, err)

	require.Equal(t, j.ID, j2.ID)
	require.Equal(t, j.WorkspaceID, j2.WorkspaceID)
	require.Equal(t, j.Kind, j2.Kind)
	require.Equal(t, *j.Priority, *j2.Priority)
	require.JSONEq(t, string(j.Args), string(j2.Args))
	require.Equal(t, j.LeafJobs["step1"], j2.LeafJobs["step1"])
	require.Equal(t, j.LeafJobs["step2"], j2.LeafJobs["step2"])
}

func TestNewIDIsUnique(t *testing.T) {
	a := NewID()
	b := NewID()
	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}
