package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errUnauthenticated(message string) *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHENTICATED", message, nil)
}

func errInvalidArgument(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "INVALID_ARGUMENT", message, nil)
}

func errPermissionDenied(message string) *DomainError {
	return domainError(http.StatusForbidden, "PERMISSION_DENIED", message, nil)
}

func errNotFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func errFailedPrecondition(message string) *DomainError {
	return domainError(http.StatusConflict, "FAILED_PRECONDITION", message, nil)
}

func errAlreadyExists(message string) *DomainError {
	return domainError(http.StatusConflict, "ALREADY_EXISTS", message, nil)
}
