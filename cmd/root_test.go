package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubcommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["dlq"])
	assert.True(t, names["endpoints"])
}

func TestDLQSubcommands(t *testing.T) {
	sub := make(map[string]bool)
	for _, c := range dlqCmd.Commands() {
		sub[c.Name()] = true
	}
	assert.True(t, sub["list"])
	assert.True(t, sub["purge"])

	flag := dlqListCmd.Flags().Lookup("older-than")
	require.NotNil(t, flag)
	assert.Equal(t, "0s", flag.DefValue)
}

func TestSetVersion(t *testing.T) {
	defer SetVersion(version)
	SetVersion("1.2.3")
	assert.Equal(t, "1.2.3", rootCmd.Version)
}

func TestPersistentFlags(t *testing.T) {
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("data-dir"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("debug"))
}
