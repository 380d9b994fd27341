// Package relay contains all code necessary to establish a connection with a relay server,
// create a relay server, and communicate with one.
//
// Relay servers can be meshed: a server that shares a mesh key with another server may
// watch that server's client set and forward packets to it, so that two clients homed on
// different relays of the same mesh can still reach each other.
//
// This package is largely transport-agnostic, for a specific implementation, see relayhttp.
package relay
