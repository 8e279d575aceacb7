package app

import "fmt"

// DomainError carries an HTTP status and a stable machine-readable code
// alongside the human message. mapError translates engine sentinels into
// these; handlers may also construct them directly.
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
