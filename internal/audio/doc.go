// Package audio handles the signal side of voice monitoring: spectrum analysis
// of a live PCM source, in-memory recording of speech runs, and WAV encoding of
// finished utterances for upload.
package audio
