// Package inbox watches a drop folder and transcribes audio files placed in
// it into a fixed meeting. Handled files move to processed/ or failed/.
package inbox
