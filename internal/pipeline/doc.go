// Package pipeline drives the audio path once per tick: the attached source
// is read, analyzed and passed through speech detection, and every detected
// utterance is recorded, transcribed in the background and published to the
// conversation.
package pipeline
