package xfs

import "errors"

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrInvalidFile is returned when the device does not start with an XFS superblock
	ErrInvalidFile = errors.New("invalid file, xfs signature not found")

	// ErrInvalidSuper is returned when the superblock data is corrupted or inconsistent
	ErrInvalidSuper = errors.New("invalid xfs superblock")

	// ErrNotExist is returned when a path component cannot be found
	ErrNotExist = errors.New("no such file or directory")

	// ErrNotDir is returned when a directory operation targets a non-directory
	ErrNotDir = errors.New("not a directory")

	// ErrIsDir is returned when a file operation targets a directory
	ErrIsDir = errors.New("is a directory")

	// ErrExist is returned when creating a name that already exists
	ErrExist = errors.New("file exists")

	// ErrNotEmpty is returned when removing or replacing a non-empty directory
	ErrNotEmpty = errors.New("directory not empty")

	// ErrReadOnly is returned by every mutating operation on a read-only mount
	ErrReadOnly = errors.New("read-only file system")

	// ErrNoSpace is returned when a block or inode allocation cannot be satisfied
	ErrNoSpace = errors.New("no space left on device")

	// ErrTooManyLinks is returned when a link would push nlink past the format limit
	ErrTooManyLinks = errors.New("too many links")

	// ErrNameTooLong is returned for names over 255 bytes
	ErrNameTooLong = errors.New("file name too long")

	// ErrInvalid is returned for bad arguments (empty name, wrong type for op, ...)
	ErrInvalid = errors.New("invalid argument")

	// ErrCorrupt is returned when an on-disk structure fails validation
	// (bad magic, failed CRC, impossible geometry)
	ErrCorrupt = errors.New("structure needs cleaning")

	// ErrNotSupported is returned for features this library does not implement
	ErrNotSupported = errors.New("operation not supported")

	// ErrShutdown is returned once the mount has been shut down after an abort;
	// it is permanent until the volume is unmounted
	ErrShutdown = errors.New("file system shut down")
)
