package server

import "canasta-server/internal/apperror"

// errCode extracts the apperror.Code from err for test assertions, or ""
// if err doesn't carry one.
func errCode(err error) string {
	ae, ok := err.(*apperror.Error)
	if !ok {
		return ""
	}
	return string(ae.Code)
}
