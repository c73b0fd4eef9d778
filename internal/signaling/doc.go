// Package signaling implements the WebSocket signaling surface that pairs two
// clients into a room and relays their WebRTC negotiation messages.
//
// The relay treats offers, answers, and ICE candidates as opaque blobs; it
// never parses session descriptions and never carries media.
package signaling
