package session

import "errors"

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionAlreadyExists   = errors.New("session already exists")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotRunning             = errors.New("session not running")
	ErrTimeout                = errors.New("operation timed out")
	ErrBusy                   = errors.New("session busy")
	ErrInvalidImage           = errors.New("invalid image")
	ErrInvalidLimits          = errors.New("invalid resource limits")
	ErrInvalidRequest         = errors.New("invalid request")
)
