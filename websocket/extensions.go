package websocket

import (
	"strconv"
	"strings"
)

// extensionParams captures the permessage-deflate parameters offered or
// negotiated in a Sec-WebSocket-Extensions header (§4.4, §6). Zero
// WindowBits means "absent", which negotiates to 15 per the spec's table.
type extensionParams struct {
	serverNoContextTakeover bool
	clientNoContextTakeover bool
	serverMaxWindowBits     int
	clientMaxWindowBits     int
}

const permessageDeflateToken = "permessage-deflate"

// parseExtensionOffer parses a client's Sec-WebSocket-Extensions header,
// looking for a permessage-deflate offer among the (possibly several,
// comma-separated) extension entries. Unknown parameters within the
// permessage-deflate entry cause that entry to be ignored (§4.4: "unknown
// parameters -> decline the extension rather than fail the handshake").
func parseExtensionOffer(header string) (offered bool, params extensionParams, ok bool) {
	for _, entry := range strings.Split(header, ",") {
		parts := strings.Split(entry, ";")
		name := strings.TrimSpace(parts[0])
		if !strings.EqualFold(name, permessageDeflateToken) {
			continue
		}

		p := extensionParams{}
		valid := true
		for _, tok := range parts[1:] {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			key, value, _ := strings.Cut(tok, "=")
			key = strings.ToLower(strings.TrimSpace(key))
			value = strings.Trim(strings.TrimSpace(value), `"`)

			switch key {
			case "server_no_context_takeover":
				p.serverNoContextTakeover = true
			case "client_no_context_takeover":
				p.clientNoContextTakeover = true
			case "server_max_window_bits":
				bits, err := parseWindowBits(value)
				if err != nil {
					valid = false
				} else {
					p.serverMaxWindowBits = bits
				}
			case "client_max_window_bits":
				switch {
				case value == "":
					// Offered with no value: "I support receiving a
					// value"; left unset until the server picks one.
					p.clientMaxWindowBits = 0
				default:
					bits, err := parseWindowBits(value)
					if err != nil {
						valid = false
					} else {
						p.clientMaxWindowBits = bits
					}
				}
			default:
				valid = false
			}
			if !valid {
				break
			}
		}

		if !valid {
			continue // decline this entry, keep scanning for another
		}
		return true, p, true
	}
	return false, extensionParams{}, false
}

func parseWindowBits(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 8 || n > 15 {
		return 0, ErrProtocolError
	}
	return n, nil
}

// negotiateServer computes the server's chosen parameters from a client
// offer and the server's configuration, per the rules in §4.4's table.
// ok=false means the server should not include the extension at all.
func negotiateServer(offer extensionParams, cfg Config) (chosen extensionParams, ok bool) {
	if !cfg.EnableDeflate {
		return extensionParams{}, false
	}

	chosen.serverNoContextTakeover = cfg.ServerNoContextTakeover || offer.serverNoContextTakeover
	chosen.clientNoContextTakeover = cfg.ClientNoContextTakeover || offer.clientNoContextTakeover

	chosen.serverMaxWindowBits = clampWindowBits(cfg.ServerMaxWindowBits, offer.serverMaxWindowBits)
	chosen.clientMaxWindowBits = clampWindowBits(cfg.ClientMaxWindowBits, offer.clientMaxWindowBits)

	return chosen, true
}

// clampWindowBits resolves a window-bits parameter to at most the client's
// offered value and at most the server's configured value; absent (0)
// means "no preference", which resolves to 15.
func clampWindowBits(configured, offered int) int {
	limit := 15
	if offered != 0 && offered < limit {
		limit = offered
	}
	if configured != 0 && configured < limit {
		limit = configured
	}
	return limit
}

// buildExtensionHeader renders params as a Sec-WebSocket-Extensions value.
func buildExtensionHeader(params extensionParams) string {
	var b strings.Builder
	b.WriteString(permessageDeflateToken)
	if params.serverNoContextTakeover {
		b.WriteString("; server_no_context_takeover")
	}
	if params.clientNoContextTakeover {
		b.WriteString("; client_no_context_takeover")
	}
	if params.serverMaxWindowBits != 0 && params.serverMaxWindowBits != 15 {
		b.WriteString("; server_max_window_bits=")
		b.WriteString(strconv.Itoa(params.serverMaxWindowBits))
	}
	if params.clientMaxWindowBits != 0 && params.clientMaxWindowBits != 15 {
		b.WriteString("; client_max_window_bits=")
		b.WriteString(strconv.Itoa(params.clientMaxWindowBits))
	}
	return b.String()
}

// buildOffer renders the client's initial offer from its configuration.
func buildOffer(cfg Config) string {
	params := extensionParams{
		serverNoContextTakeover: cfg.ServerNoContextTakeover,
		clientNoContextTakeover: cfg.ClientNoContextTakeover,
		serverMaxWindowBits:     cfg.ServerMaxWindowBits,
		clientMaxWindowBits:     cfg.ClientMaxWindowBits,
	}
	return buildExtensionHeader(params)
}

// parseServerChoice parses the server's Sec-WebSocket-Extensions response
// and verifies it is a subset of what the client offered (§4.4: "any
// deviation ... unexpected extension parameters -> HandshakeFailed").
func parseServerChoice(header string, offer extensionParams) (extensionParams, error) {
	offered, chosen, ok := parseExtensionOffer(header)
	if !offered || !ok {
		return extensionParams{}, &HandshakeError{Reason: "server did not negotiate permessage-deflate"}
	}

	if chosen.serverMaxWindowBits != 0 && offer.serverMaxWindowBits != 0 &&
		chosen.serverMaxWindowBits > offer.serverMaxWindowBits {
		return extensionParams{}, &HandshakeError{Reason: "server chose a larger server_max_window_bits than offered"}
	}
	if chosen.clientMaxWindowBits != 0 && offer.clientMaxWindowBits != 0 &&
		chosen.clientMaxWindowBits > offer.clientMaxWindowBits {
		return extensionParams{}, &HandshakeError{Reason: "server chose a larger client_max_window_bits than offered"}
	}

	return chosen, nil
}
