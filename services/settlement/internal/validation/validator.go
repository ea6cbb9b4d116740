package validation

import (
	"strings"

	"github.com/Gimbo67/evokeessence-settlement/services/settlement/internal/engine"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

const maxReferenceLength = 128

// ValidateTransitionRequest checks the request body fields for a status
// change. Kind is taken from the route, not the body.
func ValidateTransitionRequest(kind engine.Kind, status, externalReference string) ValidationErrors {
	var errs ValidationErrors

	normalized := NormalizeStatus(status)
	if normalized == "" {
		errs = append(errs, FieldError{Field: "status", Message: "status is required"})
	} else if err := engine.ValidateTransition(kind, engine.Status(normalized)); err != nil {
		errs = append(errs, FieldError{Field: "status", Message: "status not allowed for this transaction kind"})
	}

	ref := strings.TrimSpace(externalReference)
	if ref != "" {
		if !kind.Crypto() {
			errs = append(errs, FieldError{Field: "external_reference", Message: "external_reference only applies to crypto orders"})
		} else if len(ref) > maxReferenceLength {
			errs = append(errs, FieldError{Field: "external_reference", Message: "external_reference too long"})
		}
	}

	return errs
}

func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}
