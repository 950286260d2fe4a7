// Package realtime tracks live connections, the rooms they subscribe to and
// per-workspace presence, and fans chat events out to every connection in a
// room.
//
// The pieces are explicit service objects built once at startup:
// Registry (connections per user), Rooms (membership edges), Tracker
// (presence), Fanout (delivery) and Gateway, which composes them for one
// connection at a time. None of them know about websockets; the transport
// lives in package ws.
package realtime
