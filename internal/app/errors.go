package app

import (
	"fmt"
	"net/http"
)

// DomainError is an error the annotation API reports to its client: an
// unresolvable footnote reference, a canonical overwrite, a missing
// annotation or page. mapError turns it into the HTTP response.
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
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}

// notFound is the uniform 404 for annotations addressed by id or by a
// collection page number.
func notFound() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}
