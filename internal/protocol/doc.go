// Package protocol implements the binary packet format a capture device uses
// to stream microphone audio to the service over UDP. A stream is a start
// packet announcing the device and sample rate, audio packets carrying
// sequenced PCM, and a stop packet.
package protocol
