// Package player defines the boundary to the local media engine. The sync
// core only drives this surface; decoding and rendering live elsewhere.
package player

// Player is the capability set the coordinators consume. Positions and
// durations are milliseconds. Implementations must be safe for concurrent use:
// command handlers, the drift monitor and the status loop all touch the player.
type Player interface {
	Prepare(uri string, startPosition int64) error
	Play() error
	Pause() error
	SeekTo(position int64) error
	SetPlaybackSpeed(rate float64) error

	Position() int64
	Duration() int64
	BufferPercentage() int
	ReadyToPlay() bool
	IsPlaying() bool
}
