package wiring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentientos/forge/pkg/config"
	"github.com/sentientos/forge/pkg/integritycontroller"
)

func TestBuildEvaluateInputOnEmptyRepoIsAllOK(t *testing.T) {
	root := t.TempDir()
	cfg := config.Load()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	in, st, err := BuildEvaluateInput(root, cfg, now)
	require.NoError(t, err)
	require.Equal(t, 0, st.Pressure.Level)
	require.False(t, st.Quarantine.Active)
	require.Contains(t, in.Gates, integritycontroller.GateReceiptChain)

	status := integritycontroller.Evaluate(in)
	require.Equal(t, "ok", status.Status)
	require.True(t, status.MutationAllowed)
}

func TestBuildDepsWiresSignerAndRoot(t *testing.T) {
	root := t.TempDir()
	cfg := config.Load()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	deps, _, err := BuildDeps(root, cfg, now)
	require.NoError(t, err)
	require.Equal(t, root, deps.Root)
	require.NotNil(t, deps.Signer)
}
