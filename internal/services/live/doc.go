// Package live implements near-real-time fan-out of F1 session data.
//
// Viewers subscribe to one session filter at a time; the service keeps a
// single upstream poller per watched filter, caches the latest payload for a
// short TTL, and multiplexes it to every viewer in the filter's room.
package live
