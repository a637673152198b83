// Package conversation holds the chat log shown to the user. Transcripts and
// typed messages enter through a single append path that assigns unique ids,
// and subscribers are notified of every change.
package conversation
