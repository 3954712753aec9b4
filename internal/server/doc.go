// Package server exposes the HTTP surface: identity endpoints, the send and
// read-receipt API, SSE streams for message logs and conversation lists, and
// a websocket push channel for mobile clients.
package server
