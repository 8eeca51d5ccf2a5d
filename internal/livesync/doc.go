// Package livesync reconciles the shared transcript into local render state.
// Entries arrive from a polling or websocket source and are merged by id
// without clobbering entries the local user is editing.
package livesync
