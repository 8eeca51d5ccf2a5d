// Package transcript implements the per-meeting transcript log.
// Entries are appended in a total order by timestamp and store sequence,
// edited only by their author, and published to subscribers as they change.
package transcript
