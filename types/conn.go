package types

import (
	"io"
	"time"
)

// MetaConn is the part of a net.Conn that protocol clients need besides the
// buffered reader and writer they are handed.
type MetaConn interface {
	io.Closer
	SetDeadline(time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}
