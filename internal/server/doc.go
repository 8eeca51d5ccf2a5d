// Package server implements the HTTP API of the transcription service.
// It accepts audio chunks and files, runs them through conversion and transcription,
// serves the ordered transcript log with author-only edits, and pushes changes over websockets.
package server
