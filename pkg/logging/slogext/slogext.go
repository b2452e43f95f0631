package slogext

import (
	"log/slog"

	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
)

func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{Key: "error", Value: slog.StringValue("<nil>")}
	}
	return slog.Attr{
		Key:   "error",
		Value: slog.StringValue(err.Error()),
	}
}

// Errno attaches the errno name carried by err.
func Errno(err error) slog.Attr {
	return slog.String("errno", kerrors.Errno(err).Error())
}
