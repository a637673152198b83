// Package transcription sends finished utterances to a speech-to-text provider.
// Requests are made once, bounded by a concurrency limit, and every failure is
// reported as an empty result so callers never have to handle transcription errors.
package transcription
