// Package transcription adapts speech-to-text backends to a single Engine contract.
// It provides a subprocess engine for locally installed models and an HTTP client
// for OpenAI-compatible APIs with retry logic, exponential backoff and rate limiting.
package transcription
