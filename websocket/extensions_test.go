package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtensionOffer_Basic(t *testing.T) {
	offered, params, ok := parseExtensionOffer("permessage-deflate; client_max_window_bits")
	require.True(t, offered)
	require.True(t, ok)
	assert.Equal(t, 0, params.clientMaxWindowBits)
}

func TestParseExtensionOffer_WithParameters(t *testing.T) {
	offered, params, ok := parseExtensionOffer(
		"permessage-deflate; server_no_context_takeover; server_max_window_bits=10")
	require.True(t, offered)
	require.True(t, ok)
	assert.True(t, params.serverNoContextTakeover)
	assert.Equal(t, 10, params.serverMaxWindowBits)
}

func TestParseExtensionOffer_UnknownParameterDeclines(t *testing.T) {
	offered, _, ok := parseExtensionOffer("permessage-deflate; bogus_param=1")
	assert.False(t, offered)
	assert.False(t, ok)
}

func TestParseExtensionOffer_IgnoresOtherExtensions(t *testing.T) {
	offered, _, ok := parseExtensionOffer("some-other-extension, permessage-deflate")
	assert.True(t, offered)
	assert.True(t, ok)
}

func TestParseExtensionOffer_NoDeflateOffered(t *testing.T) {
	offered, _, ok := parseExtensionOffer("some-other-extension")
	assert.False(t, offered)
	assert.False(t, ok)
}

func TestNegotiateServer_DisabledConfig(t *testing.T) {
	_, ok := negotiateServer(extensionParams{}, Config{EnableDeflate: false})
	assert.False(t, ok)
}

func TestNegotiateServer_ClampsWindowBitsToOffer(t *testing.T) {
	cfg := Config{EnableDeflate: true, ServerMaxWindowBits: 15}
	chosen, ok := negotiateServer(extensionParams{serverMaxWindowBits: 10}, cfg)
	require.True(t, ok)
	assert.Equal(t, 10, chosen.serverMaxWindowBits)
}

func TestNegotiateServer_ClampsWindowBitsToConfig(t *testing.T) {
	cfg := Config{EnableDeflate: true, ServerMaxWindowBits: 9}
	chosen, ok := negotiateServer(extensionParams{serverMaxWindowBits: 15}, cfg)
	require.True(t, ok)
	assert.Equal(t, 9, chosen.serverMaxWindowBits)
}

func TestNegotiateServer_AbsentWindowBitsDefaultsTo15(t *testing.T) {
	cfg := Config{EnableDeflate: true}
	chosen, ok := negotiateServer(extensionParams{}, cfg)
	require.True(t, ok)
	assert.Equal(t, 15, chosen.clientMaxWindowBits)
	assert.Equal(t, 15, chosen.serverMaxWindowBits)
}

func TestBuildAndParseExtensionHeader_RoundTrip(t *testing.T) {
	params := extensionParams{serverNoContextTakeover: true, clientMaxWindowBits: 10}
	header := buildExtensionHeader(params)
	offered, got, ok := parseExtensionOffer(header)
	require.True(t, offered)
	require.True(t, ok)
	assert.Equal(t, params, got)
}

func TestParseServerChoice_RejectsLargerThanOffered(t *testing.T) {
	offer := extensionParams{serverMaxWindowBits: 10}
	_, err := parseServerChoice("permessage-deflate; server_max_window_bits=15", offer)
	var he *HandshakeError
	assert.ErrorAs(t, err, &he)
}

func TestParseServerChoice_AcceptsSubsetOfOffer(t *testing.T) {
	offer := extensionParams{serverMaxWindowBits: 15, clientMaxWindowBits: 15}
	chosen, err := parseServerChoice("permessage-deflate; server_max_window_bits=10", offer)
	require.NoError(t, err)
	assert.Equal(t, 10, chosen.serverMaxWindowBits)
}
