package tools

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("RT_T_STR", "gw-9")
	t.Setenv("RT_T_INT", "8081")
	t.Setenv("RT_T_BADINT", "eighty")
	t.Setenv("RT_T_BOOL", " Yes ")
	t.Setenv("RT_T_LIST", "a:1, ,b:2")

	require.Equal(t, "gw-9", GetEnv("RT_T_STR", "x"))
	require.Equal(t, "x", GetEnv("RT_T_MISSING", "x"))
	require.Equal(t, 8081, GetEnvInt("RT_T_INT", 1))
	require.Equal(t, 1, GetEnvInt("RT_T_BADINT", 1))
	require.True(t, GetEnvBool("RT_T_BOOL", false))
	require.True(t, GetEnvBool("RT_T_MISSING", true))
	require.Equal(t, []string{"a:1", "b:2"}, GetEnvList("RT_T_LIST", nil))
	require.Equal(t, []string{"d"}, GetEnvList("RT_T_MISSING", []string{"d"}))
}
