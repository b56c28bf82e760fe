package session

import (
	"errors"
	"net/url"
	"strings"

	"github.com/asaskevich/govalidator"
)

// ValidateTargetURL checks that raw is an absolute http(s) URL with a host
// and returns it trimmed.
func ValidateTargetURL(raw string) (string, error) {
	target := strings.TrimSpace(raw)
	if target == "" {
		return "", validationError("url is required")
	}

	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" {
		return "", validationError("url must be an absolute http or https URL")
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return "", validationError("url scheme must be http or https")
	}

	if !govalidator.IsURL(target) {
		return "", validationError("url is malformed")
	}

	return target, nil
}

func validationError(msg string) *Error {
	e := newError(KindValidation, "validate", errors.New(msg))
	e.public = msg
	return e
}
