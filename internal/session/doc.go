// Package session provides the server-side registry of chunk submission sessions.
// It tracks per-session metadata and accumulated transcript text and expires
// inactive sessions after a configurable timeout.
package session
