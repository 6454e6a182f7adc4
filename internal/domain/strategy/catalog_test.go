package strategy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/stratdesk/errs"
)

func TestCatalogTranslatesBothWays(t *testing.T) {
	catalog, err := NewCatalog(DefaultDefinitions())
	require.NoError(t, err)

	backend, ok := catalog.Backend("iron-condor")
	require.True(t, ok)
	require.Equal(t, BackendID("iron_condor"), backend)

	front, ok := catalog.Frontend("iron_condor")
	require.True(t, ok)
	require.Equal(t, ID("iron-condor"), front)

	_, ok = catalog.Frontend("iron-condor")
	require.False(t, ok, "frontend spelling must not resolve as backend id")

	require.Equal(t, []ID{"divergence", "iron-condor", "pml"}, catalog.IDs())
}

func TestCatalogDerivesBackendID(t *testing.T) {
	catalog, err := NewCatalog([]Definition{{ID: "mean-revert"}})
	require.NoError(t, err)

	backend, ok := catalog.Backend("mean-revert")
	require.True(t, ok)
	require.Equal(t, BackendID("mean_revert"), backend)
}

func TestCatalogRejectsCollisions(t *testing.T) {
	cases := []struct {
		name string
		defs []Definition
	}{
		{name: "duplicate id", defs: []Definition{{ID: "pml"}, {ID: "pml", BackendID: "pml2"}}},
		{name: "duplicate backend", defs: []Definition{{ID: "a-b"}, {ID: "a_b", BackendID: "a_b"}}},
		{name: "empty id", defs: []Definition{{ID: "  "}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewCatalog(tc.defs)
			require.Error(t, err)
			require.True(t, errs.Is(err, errs.CodeInvalid))
		})
	}
}

func TestRunStateText(t *testing.T) {
	for _, state := range []RunState{Idle, Running, Stopped} {
		text, err := state.MarshalText()
		require.NoError(t, err)
		var parsed RunState
		require.NoError(t, parsed.UnmarshalText(text))
		require.Equal(t, state, parsed)
	}
	_, err := RunState(9).MarshalText()
	require.Error(t, err)
	_, err = ParseRunState("error")
	require.Error(t, err)
}
