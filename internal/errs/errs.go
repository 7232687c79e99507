// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package errs defines the error taxonomy shared by all syncobj packages.
// Every failure leaving a package is either one of the sentinels below or
// wraps a cause marked with one of them, so callers can always decide with
// errors.Is without caring about the concrete medium or transport.
package errs

import (
	"syscall"

	"github.com/cockroachdb/errors"
)

var (
	// Missing key or path. Recoverable, the caller decides the fallback.
	ErrNotFound = errors.New("not found")

	// Durable medium exists but cannot be decoded.
	ErrCorruption = errors.New("corrupted medium")

	// Durable medium was written by an unknown format, codec or
	// compressor version.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// Flush to the durable medium failed. The in-memory state stays.
	ErrPersistence = errors.New("persistence failed")

	// Peer unreachable, disconnected or misbehaving. Never fatal.
	ErrReplication = errors.New("replication failed")

	// Block level bound violation.
	ErrOutOfRange = errors.New("out of range")
	ErrNoSpace    = errors.New("no space left")

	ErrClosed       = errors.New("closed")
	ErrNotMounted   = errors.New("not mounted")
	ErrMounted      = errors.New("already mounted")
	ErrExists       = errors.New("already exists")
	ErrNotDir       = errors.New("not a directory")
	ErrIsDir        = errors.New("is a directory")
	ErrNotEmpty     = errors.New("directory not empty")
	ErrNotPermitted = errors.New("operation not permitted")
)

// Persistence wraps a medium failure so it is recognized as ErrPersistence
// while keeping the original cause reachable.
func Persistence(err error) error {
	if err == nil {
		return nil
	}

	return errors.Mark(errors.Wrap(err, "flush"), ErrPersistence)
}

// Replication wraps a transport failure with the peer it concerns.
func Replication(err error, peer string) error {
	if err == nil {
		return nil
	}

	return errors.Mark(errors.Wrapf(err, "peer %s", peer), ErrReplication)
}

// Corruption returns ErrCorruption with a description of what is wrong
// with the medium.
func Corruption(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// Unsupported returns ErrUnsupportedFormat with a description.
func Unsupported(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrUnsupportedFormat)
}

// Errno translates the taxonomy into the code a host filesystem bridge
// reports for the failed operation. Unknown errors become EIO.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrNoSpace):
		return syscall.ENOSPC
	case errors.Is(err, ErrOutOfRange):
		return syscall.EFBIG
	case errors.Is(err, ErrExists):
		return syscall.EEXIST
	case errors.Is(err, ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, ErrNotPermitted):
		return syscall.EPERM
	case errors.Is(err, ErrNotMounted), errors.Is(err, ErrClosed):
		return syscall.ENOTCONN
	default:
		return syscall.EIO
	}
}
