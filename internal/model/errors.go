package model

import "errors"

var (
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when creating a session whose id is taken.
	ErrSessionExists = errors.New("session already exists")

	// ErrNotConnected is returned when a frame is sent while the transport
	// is not open. The frame is dropped, never queued.
	ErrNotConnected = errors.New("transport not connected")

	// ErrEmptyContent is returned when sending a message without content.
	ErrEmptyContent = errors.New("message content is empty")
)
