package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRootCommandWiring(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "contacts", "alerts", "consume", "signal", "incidents", "chat"} {
		assert.True(t, names[want], "command %q registered", want)
	}
}

func TestContactsFileParsing(t *testing.T) {
	doc := `
contacts:
  - name: Ana
    phone: "+15550101"
    relation: sister
    tier: 1
  - name: Ben
    phone: "+15550102"
    relation: friend
    tier: 2
`
	var file contactsFile
	require.NoError(t, yaml.Unmarshal([]byte(doc), &file))
	require.Len(t, file.Contacts, 2)
	assert.Equal(t, "Ana", file.Contacts[0].Name)
	assert.Equal(t, 2, file.Contacts[1].Tier)
}

func TestServeFlags(t *testing.T) {
	require.NotNil(t, serveCmd.Flags().Lookup("port"))
	require.NotNil(t, serveCmd.Flags().Lookup("consume"))
	require.NotNil(t, contactsCmd.PersistentFlags().Lookup("user"))
}
