package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	// Collect subcommand names.
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	// Verify expected subcommands are registered.
	expected := []string{"serve", "assign", "reset", "report", "migrate", "simulate", "events"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "ab-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestAssignCommand_Flags(t *testing.T) {
	for _, name := range []string{"experiment", "variants", "visitor", "override", "ttl-days", "json"} {
		assert.NotNil(t, assignCmd.Flags().Lookup(name), "assign should have --%s flag", name)
	}
}

func TestSimulateCommand_Defaults(t *testing.T) {
	flag := simulateCmd.Flags().Lookup("trials")
	require.NotNil(t, flag)
	assert.Equal(t, "10000", flag.DefValue)

	flag = simulateCmd.Flags().Lookup("tolerance")
	require.NotNil(t, flag)
	assert.Equal(t, "0.03", flag.DefValue)
}

func TestEventsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range eventsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "prune"} {
		assert.True(t, names[name], "events should have subcommand %q", name)
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"A", "B", "C"}, splitList(" A, B ,,C "))
	assert.Nil(t, splitList(""))
}
