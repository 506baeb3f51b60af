package domain

import "errors"

var (
	// ErrTransport marks network/HTTP failures against the control plane or
	// object storage. Never fatal to the process.
	ErrTransport = errors.New("transport failure")
	// ErrConsentDenied is terminal for the job and never retried here.
	ErrConsentDenied = errors.New("consent denied")
	// ErrInsufficientInput marks jobs whose inputs are unusable, e.g. too few
	// training samples downloaded.
	ErrInsufficientInput = errors.New("insufficient input")
	// ErrEngineFailure marks a missing or failed generation/training capability.
	ErrEngineFailure = errors.New("engine failure")
	// ErrStorageFailure marks a failed object download or upload.
	ErrStorageFailure = errors.New("storage failure")
)
