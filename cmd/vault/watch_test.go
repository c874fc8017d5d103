package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebsocketURL(t *testing.T) {
	got, err := websocketURL("http://localhost:8080/", "/ws")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws", got)

	got, err = websocketURL("https://vault.example/api", "/ws")
	require.NoError(t, err)
	assert.Equal(t, "wss://vault.example/api/ws", got)

	_, err = websocketURL("ftp://vault.example", "/ws")
	assert.Error(t, err)
}
