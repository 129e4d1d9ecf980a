package service

import "errors"

var (
	ErrInvalidUsername = errors.New("invalid username")
	ErrInvalidOptions  = errors.New("invalid tracking options")
	ErrAlreadyRunning  = errors.New("tracking already running")
	ErrLiveCheckFailed = errors.New("live check failed")
	ErrSessionNotFound = errors.New("session not found")
)
