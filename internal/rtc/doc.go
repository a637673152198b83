// Package rtc terminates the browser's WebRTC call. Each remote Opus track is
// decoded to mono PCM and handed to the pipeline as an audio source.
package rtc
