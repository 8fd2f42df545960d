package session

// FrameKind classifies an inbound transport frame.
type FrameKind uint8

const (
	FrameText FrameKind = iota + 1
	FrameBinary
	FramePing
	FramePong
	// FrameClosed reports that the transport is gone. Err carries the cause,
	// which may be a close frame sent by the peer.
	FrameClosed
	// FrameOversize reports a data message that exceeded the transport's
	// size limit. Data is empty.
	FrameOversize
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClosed:
		return "closed"
	case FrameOversize:
		return "oversize"
	}
	return "unknown"
}

// Frame is a single inbound message surfaced by a Conn's reader.
type Frame struct {
	Kind FrameKind
	Data []byte
	Err  error
}

// Conn is the message transport a Session runs over.
//
// Frames is fed by the transport's own reader goroutine and is closed once no
// more frames will arrive; a FrameClosed frame is delivered before that when
// the cause is known. Ping and pong control frames are surfaced as frames and
// never answered by the transport itself.
//
// The write methods are only called from the session loop goroutine, so an
// implementation needs no write-side locking of its own.
type Conn interface {
	Frames() <-chan Frame
	WriteText(data []byte) error
	WritePing(data []byte) error
	WritePong(data []byte) error
	// WriteClose sends a close frame carrying code and text. It does not
	// release the transport; Close does.
	WriteClose(code uint16, text string) error
	Close() error
}
