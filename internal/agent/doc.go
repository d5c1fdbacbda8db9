// Package agent implements session.Transport for the HTTP agent running on
// each Android device (port 7912 by default).
//
// Operations map onto the agent as follows:
//
//	screenshot  GET  /screenshot/0            JPEG body
//	info        POST /jsonrpc/0 deviceInfo
//	hierarchy   POST /jsonrpc/0 dumpWindowHierarchy
//	touch       POST /jsonrpc/0 click(x, y)
//	swipe       POST /jsonrpc/0 swipe(x, y, x2, y2, steps)
//	keyevent    POST /jsonrpc/0 pressKey(key)
//	input       POST /shell     input text '...'
//	shell       POST /shell     command
//
// Errors the agent answers with (HTTP 4xx/5xx, JSON-RPC error objects) and
// malformed arguments wrap session.ErrRemote. Everything else is a network
// failure and makes the pool discard the connection.
package agent
