package toolname

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowsMatchingGlob(t *testing.T) {
	al, err := Compile([]string{"srv-1.*"})
	require.NoError(t, err)
	require.True(t, al.Allows("srv-1.tool-A"))
	require.False(t, al.Allows("srv-2.tool-A"))
}

func TestAllowsExactMatch(t *testing.T) {
	al, err := Compile([]string{"srv-1.tool-A"})
	require.NoError(t, err)
	require.True(t, al.Allows("srv-1.tool-A"))
	require.False(t, al.Allows("srv-1.tool-B"))
}

func TestCompileRejectsMalformedPattern(t *testing.T) {
	_, err := Compile([]string{"srv-1.["})
	require.Error(t, err)
}

func TestNilAllowListAllowsNothing(t *testing.T) {
	var al *AllowList
	require.False(t, al.Allows("srv-1.tool-A"))
}

func TestEmptyAllowListAllowsNothing(t *testing.T) {
	al, err := Compile(nil)
	require.NoError(t, err)
	require.False(t, al.Allows("srv-1.tool-A"))
}
