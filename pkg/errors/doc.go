// Package errors provides coded errors for infrastructure and service-level
// failures in tenant-idm.
//
// Request validation failures never travel as Go errors; they are collected as
// validation.Error values inside a response.Result. This package covers the
// rest: store outages, upstream identity provider failures, bad credentials
// on sign-in and similar conditions that map directly to an HTTP status.
//
// # Usage
//
//	import "github.com/tendant/tenant-idm/pkg/errors"
//
//	err := errors.New(errors.ErrCodeInvalidCredentials, "invalid email or password")
//	err := errors.Wrap(storeErr, errors.ErrCodeStoreUnavailable, "failed to load account")
//
//	if errors.IsCode(err, errors.ErrCodeInvalidCredentials) {
//		// ...
//	}
//
//	status := errors.HTTPStatus(err)
//
// Errors created here support errors.Is and errors.As from the standard
// library through Unwrap.
package errors
