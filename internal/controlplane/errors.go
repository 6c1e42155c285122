package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrPlanNotFound   = errors.New("plan not found")
	ErrAlreadyRunning = errors.New("plan is already executing")
	ErrNotRunning     = errors.New("plan is not executing")
	ErrNoResult       = errors.New("plan has not been executed")
	ErrInvalidRequest = errors.New("invalid request")
)
