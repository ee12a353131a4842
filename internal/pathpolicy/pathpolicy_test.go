package pathpolicy

import (
	"testing"

	"github.com/haasonsaas/zubot/internal/config"
	"github.com/stretchr/testify/require"
)

func defaultPolicy() *Policy {
	return New(config.Default().Filesystem)
}

func TestNormalizeRejectsTraversalAndAbsolute(t *testing.T) {
	_, err := Normalize("../etc/passwd")
	require.Error(t, err)

	_, err = Normalize("/etc/passwd")
	require.Error(t, err)

	clean, err := Normalize("./outputs/report.txt")
	require.NoError(t, err)
	require.Equal(t, "outputs/report.txt", clean)
}

func TestDenyListAlwaysWins(t *testing.T) {
	pol := defaultPolicy()
	ok, reason := pol.Allowed("config/config.json", OpRead)
	require.False(t, ok)
	require.NotEmpty(t, reason)
}

func TestWriteAllowlistRestrictsOutsideMemoryAndOutputs(t *testing.T) {
	pol := defaultPolicy()

	ok, _ := pol.Allowed("outputs/report.txt", OpWrite)
	require.True(t, ok)

	ok, _ = pol.Allowed("memory/sessions/s1.jsonl", OpWrite)
	require.True(t, ok)

	ok, _ = pol.Allowed("src/main.go", OpWrite)
	require.False(t, ok)
}

func TestReadAllowlistDefaultsToEverything(t *testing.T) {
	pol := defaultPolicy()
	ok, _ := pol.Allowed("docs/readme.md", OpRead)
	require.True(t, ok)
}

func TestGlobDoubleStarMatchesNestedSegments(t *testing.T) {
	require.True(t, matches("memory/**", "memory/sessions/a/b/c.jsonl"))
	require.True(t, matches("memory/**", "memory/x.db"))
	require.False(t, matches("memory/**", "outputs/x.db"))
}
