// Package cli implements the agglo command tree: the transcription service,
// the live recording client and the transcript helpers.
package cli
