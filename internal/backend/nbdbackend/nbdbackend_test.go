package nbdbackend

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestParseURLTCPWithExportPath(t *testing.T) {
	addr, export, unix := parseURL(mustParse(t, "nbd://localhost:10809/sda"))
	assert.Equal(t, "localhost:10809", addr)
	assert.Equal(t, "sda", export)
	assert.False(t, unix)
}

func TestParseURLTCPEmptyExport(t *testing.T) {
	addr, export, unix := parseURL(mustParse(t, "nbd://10.0.0.1:10809"))
	assert.Equal(t, "10.0.0.1:10809", addr)
	assert.Equal(t, "", export)
	assert.False(t, unix)
}

func TestParseURLDoubleSlashKeepsLeadingSlashInExport(t *testing.T) {
	_, export, _ := parseURL(mustParse(t, "nbd://host:10809//sda"))
	assert.Equal(t, "/sda", export)
}

func TestParseURLUnixNotation(t *testing.T) {
	addr, export, unix := parseURL(mustParse(t, "nbd:unix:/run/nbd.sock"))
	assert.Equal(t, "/run/nbd.sock", addr)
	assert.Equal(t, "", export)
	assert.True(t, unix)
}

func TestParseURLUnixNotationWithExportName(t *testing.T) {
	addr, export, unix := parseURL(mustParse(t, "nbd:unix:/run/nbd.sock:exportname=vol1"))
	assert.Equal(t, "/run/nbd.sock", addr)
	assert.Equal(t, "vol1", export)
	assert.True(t, unix)
}

func TestParseURLHostPortNotationWithExportName(t *testing.T) {
	addr, export, unix := parseURL(mustParse(t, "nbd:host:10809:exportname=vol2"))
	assert.Equal(t, "host:10809", addr)
	assert.Equal(t, "vol2", export)
	assert.False(t, unix)
}
