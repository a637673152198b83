package audio

import (
	"errors"
)

var (
	// ErrDetached is returned by a Source whose underlying track has gone away
	ErrDetached = errors.New("audio source detached")

	// ErrSourceBound is returned when another analyzer already holds the source
	ErrSourceBound = errors.New("audio source already bound to an analyzer")
)

// Source is a live mono PCM stream from a remote participant
type Source interface {
	// ID identifies the underlying track; at most one analyzer binds an ID at a time
	ID() string

	// SampleRate is the rate of the samples returned by ReadPCM
	SampleRate() int

	// ReadPCM drains the samples decoded since the previous call. It never
	// blocks; an empty slice means nothing new arrived. ErrDetached is
	// returned once the source ended and all pending samples were read.
	ReadPCM() ([]int16, error)
}
