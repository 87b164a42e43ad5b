package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const secretHeader = "X-Secret-Key"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// errUnauthorized is the only auth failure callers ever see. Missing,
// malformed and wrong secrets are indistinguishable from outside.
var errUnauthorized = &authError{
	status:  http.StatusUnauthorized,
	code:    "unauthorized",
	message: "unauthorized",
}

// authorizeSecret checks the presented secret against the configured one.
// The body field wins over the header when both are present. An empty
// configured secret rejects everything.
func authorizeSecret(configured, fromBody, fromHeader string) *authError {
	presented := strings.TrimSpace(fromBody)
	if presented == "" {
		presented = strings.TrimSpace(fromHeader)
	}
	if configured == "" || presented == "" {
		return errUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) != 1 {
		return errUnauthorized
	}
	return nil
}
