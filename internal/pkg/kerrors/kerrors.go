package kerrors

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Kernel errno codes
const (
	EPERM        = unix.EPERM        // Operation not permitted
	ENOENT       = unix.ENOENT       // No such file or directory
	EIO          = unix.EIO          // I/O error
	ENOMEM       = unix.ENOMEM       // Out of memory
	ENOTBLK      = unix.ENOTBLK      // Block device required
	EBUSY        = unix.EBUSY        // Device or resource busy
	EEXIST       = unix.EEXIST       // File exists
	ENODEV       = unix.ENODEV       // No such device
	ENOTDIR      = unix.ENOTDIR      // Not a directory
	EISDIR       = unix.EISDIR       // Is a directory
	EINVAL       = unix.EINVAL       // Invalid argument
	ENFILE       = unix.ENFILE       // Too many open files in system
	EFBIG        = unix.EFBIG        // File too large
	ENOSPC       = unix.ENOSPC       // No space left on device
	ENAMETOOLONG = unix.ENAMETOOLONG // File name too long
	ENOTEMPTY    = unix.ENOTEMPTY    // Directory not empty
	ELOOP        = unix.ELOOP        // Too many symbolic links
	ENOTSUP      = unix.ENOTSUP      // Operation not supported
	EXDEV        = unix.EXDEV        // Cross-device link
)

// Error is an errno carrying a human readable message.
type Error struct {
	Code    unix.Errno
	Message string
}

func New(code unix.Errno, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.Error()
	}
	return e.Message
}

func (e *Error) GetCode() unix.Errno {
	return e.Code
}

// Unwrap lets errors.Is(err, kerrors.ENOENT) match.
func (e *Error) Unwrap() error {
	return e.Code
}

// Errno extracts the errno from err. Errors that carry none map to EIO.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Code
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return EIO
}

// Code returns the negative errno sent to clients, 0 on success.
func Code(err error) int64 {
	return -int64(Errno(err))
}
