// Package stream provides the subscriber-connection layer of the progress
// broadcasting subsystem: a WebSocket adapter implementing progress.Conn on
// the server side, and a reconnecting subscription client with the
// {Connecting, Open, Reconnecting, Closed} state machine on the client side.
package stream
