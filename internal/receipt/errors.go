package receipt

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the service, store and HTTP layers.
var (
	// ErrNotFound indicates an unknown item or receipt.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates a malformed id, upload or import document.
	ErrInvalidInput = errors.New("invalid input")

	// ErrFilenameCollision indicates a relocation target is already taken.
	ErrFilenameCollision = errors.New("filename collision")

	// ErrFileMove indicates an I/O failure while relocating or removing a file.
	ErrFileMove = errors.New("file move failed")

	// ErrPathTraversal indicates a path resolving outside the storage root.
	ErrPathTraversal = errors.New("path escapes storage root")

	// ErrPersistence indicates the document or its backup could not be written.
	ErrPersistence = errors.New("persistence failed")

	// ErrScan indicates the receipt scanner failed. Uploads recover from it.
	ErrScan = errors.New("receipt scan failed")
)

// CollisionError names the file that blocked a relocation.
type CollisionError struct {
	Filename string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("target file already exists: %s", e.Filename)
}

func (e *CollisionError) Unwrap() error {
	return ErrFilenameCollision
}
