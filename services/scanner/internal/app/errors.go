package app

import "errors"

var (
	// ErrBusy is returned while an analysis is uploading or awaiting its result.
	ErrBusy = errors.New("an analysis is already in progress")
	// ErrAuthRequired is returned when analysis requires a logged-in identity.
	ErrAuthRequired = errors.New("please log in to analyze images")
	// ErrRoleReadOnly is returned when a profile update tries to change the role.
	ErrRoleReadOnly = errors.New("role cannot be changed from the client")
)
