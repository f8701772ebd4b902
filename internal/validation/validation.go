// Package validation provides request validation helpers for the scoring API.
package validation

import (
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-form string fields
const MaxStringLength = 256

var currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, strips null bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError represents a single field error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Field + ": " + e[0].Message
	}
	return fmt.Sprintf("%s: %s (and %d more)", e[0].Field, e[0].Message, len(e)-1)
}

// Validate runs every validator and collects the failures
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Positive checks that a number is finite and greater than zero
func Positive(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return &ValidationError{Field: field, Message: "must be a finite number"}
		}
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// InRange checks an optional number lies in [min, max]. Nil passes.
func InRange(field string, value *float64, min, max float64) func() *ValidationError {
	return func() *ValidationError {
		if value == nil {
			return nil
		}
		v := *value
		if math.IsNaN(v) || v < min || v > max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %g and %g", min, max)}
		}
		return nil
	}
}

// Currency checks an optional ISO 4217 code (three upper-case letters)
func Currency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !currencyRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be a 3-letter ISO 4217 code"}
		}
		return nil
	}
}

// PositiveWeight checks a usage weight is at least 1
func PositiveWeight(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value < 1 {
			return &ValidationError{Field: field, Message: "must be at least 1"}
		}
		return nil
	}
}
