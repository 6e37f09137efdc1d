package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRootCmd(t *testing.T) {
	root := GetRootCmd()
	require.NotNil(t, root)
	assert.Equal(t, "mnemo", root.Use)

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "sync", "search", "status", "fact"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestGetVersion(t *testing.T) {
	assert.Equal(t, version, GetVersion())
	assert.NotEmpty(t, GetVersion())
}

func TestGlobalFlags(t *testing.T) {
	root := GetRootCmd()
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("log-level"))
}
