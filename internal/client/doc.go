// Package client is the participant-side API client of the transcription service.
// It uploads chunks and files, reads and edits transcript entries, and opens the websocket change feed.
package client
