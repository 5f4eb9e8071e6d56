package terminal

import "io"

// ptyHandle abstracts PTY operations across Unix and Windows.
// On Unix it wraps creack/pty (*os.File), on Windows ConPTY.
type ptyHandle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}
