package events

import "errors"

var ErrClosed = errors.New("event bus closed")
