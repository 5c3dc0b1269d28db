package coordinator

import "errors"

// ErrNotInRoom is returned (and reported to the sender) when a media-plane
// operation arrives from a participant that has not completed both JOINs.
var ErrNotInRoom = errors.New("Not in a room")
