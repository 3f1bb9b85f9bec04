// Package validation checks identifiers that end up in control-plane request
// paths before any request is made.
package validation

import (
	"fmt"
	"regexp"
)

// ValidationError reports an invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// dnsLabelRegex validates DNS label format:
// - Must start with a lowercase letter
// - Can contain lowercase letters, numbers, and hyphens
// - Must end with a lowercase letter or number
var dnsLabelRegex = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// regionRegex matches cloud region names such as asia-southeast1.
var regionRegex = regexp.MustCompile(`^[a-z]+(-[a-z]+)+[0-9]+$`)

// ValidateServiceName validates that a service name is a valid DNS label:
// 1-63 characters of lowercase letters, numbers and hyphens, starting with a
// letter and not ending with a hyphen.
func ValidateServiceName(name string) error {
	if name == "" {
		return &ValidationError{Field: "service", Message: "service name is required"}
	}

	if len(name) > 63 {
		return &ValidationError{Field: "service", Message: "service name must be 63 characters or less"}
	}

	if name[0] == '-' {
		return &ValidationError{Field: "service", Message: "service name cannot start with a hyphen"}
	}

	if name[len(name)-1] == '-' {
		return &ValidationError{Field: "service", Message: "service name cannot end with a hyphen"}
	}

	if !dnsLabelRegex.MatchString(name) {
		return &ValidationError{
			Field:   "service",
			Message: "service name must be a valid DNS label (lowercase letters, numbers, and hyphens, starting with a letter)",
		}
	}

	return nil
}

// ValidateRegion checks a cloud region name.
func ValidateRegion(region string) error {
	if region == "" {
		return &ValidationError{Field: "region", Message: "region is required"}
	}
	if !regionRegex.MatchString(region) {
		return &ValidationError{Field: "region", Message: fmt.Sprintf("%q is not a region name such as us-central1", region)}
	}
	return nil
}
