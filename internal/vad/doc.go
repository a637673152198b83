// Package vad implements loudness-based voice activity detection. A Detector
// consumes one normalized loudness value per tick and reports speech start and
// speech end transitions, holding speech open across short dips.
package vad
