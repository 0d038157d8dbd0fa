package bilibili

import "errors"

var (
	// ErrThrottled means upstream blocked the client. It applies to every
	// source, not just the one being fetched.
	ErrThrottled = errors.New("bilibili: throttled")
	// ErrUnreachable covers request errors and non-2xx responses.
	ErrUnreachable = errors.New("bilibili: unreachable")
	// ErrMalformed means the response envelope had an unexpected shape.
	ErrMalformed = errors.New("bilibili: malformed response")
	// ErrNoRoom means the creator has no live room.
	ErrNoRoom = errors.New("bilibili: no live room")
)

// throttleCode is the envelope code upstream uses for "request blocked".
const throttleCode = -412
