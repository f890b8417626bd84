package handshake

import "fmt"

// buildRFC6455Response emits the byte-exact preamble from spec §6 for
// RFC6455, Hybi07, and Hybi10 alike.
func buildRFC6455Response(upgradeEcho, accept, subprotocol string) []byte {
	var b []byte
	b = append(b, "HTTP/1.1 101 Switching Protocols\r\n"...)
	b = append(b, "Upgrade: "+upgradeEcho+"\r\n"...)
	b = append(b, "Connection: Upgrade\r\n"...)
	if subprotocol != "" {
		b = append(b, "Sec-WebSocket-Protocol: "+subprotocol+"\r\n"...)
	}
	b = append(b, "Sec-WebSocket-Accept: "+accept+"\r\n\r\n"...)
	return b
}

// buildHybi00Response emits spec §6's Hybi-00 preamble: a textual header
// block followed, with no intervening blank-line CRLF beyond the one
// already terminating the headers, by the 16 raw MD5 bytes — no trailing
// CRLF after them.
func buildHybi00Response(origin, location, subprotocol string, acceptBytes [16]byte) []byte {
	var b []byte
	b = append(b, "HTTP/1.1 101 WebSocket Protocol Handshake\r\n"...)
	b = append(b, "Upgrade: WebSocket\r\n"...)
	b = append(b, "Connection: Upgrade\r\n"...)
	b = append(b, "Sec-WebSocket-Origin: "+origin+"\r\n"...)
	b = append(b, "Sec-WebSocket-Location: "+location+"\r\n"...)
	if subprotocol != "" {
		b = append(b, "Sec-WebSocket-Protocol: "+subprotocol+"\r\n"...)
	}
	b = append(b, "\r\n"...)
	b = append(b, acceptBytes[:]...)
	return b
}

// buildHixie75Response emits spec §6's Hixie-75 preamble: no accept
// value at all, just the location echo.
func buildHixie75Response(origin, location string) []byte {
	var b []byte
	b = append(b, "HTTP/1.1 101 Web Socket Protocol Handshake\r\n"...)
	b = append(b, "Upgrade: WebSocket\r\n"...)
	b = append(b, "Connection: Upgrade\r\n"...)
	b = append(b, "WebSocket-Origin: "+origin+"\r\n"...)
	b = append(b, "WebSocket-Location: "+location+"\r\n\r\n"...)
	return b
}

// buildErrorResponse emits one of spec §6's error preambles. For status
// 426 it adds a Sec-WebSocket-Version header, since RFC 6455 Section 4.4
// requires the server to advertise every version it supports.
func buildErrorResponse(status int, reason string) []byte {
	body := fmt.Sprintf("HTTP/1.1 %d %s\r\nConnection: close\r\n", status, reason)
	if status == 426 {
		body += "Sec-WebSocket-Version: 13, 8, 7\r\n"
	}
	body += "\r\n"
	return []byte(body)
}
