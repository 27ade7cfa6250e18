// Package services provides the built-in service handlers and local
// bindings that ship with the daemon: an echo responder, a TCP forwarder
// exposing a local network target to the peer, a SOCKS5 proxy, and the
// local listener binding that turns accepted TCP connections into
// outbound tunnel streams.
//
// All of them speak *tunnel.Stream on the tunnel side; handlers plug into
// the daemon's service registry and bindings drive daemon.Connect.
package services
