// Package validation provides input validation middleware for the commerce API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// MaxReceiptPayloadSize is the largest accepted encoded receipt. Apple
// receipts for large purchase histories run to a few hundred KB.
const MaxReceiptPayloadSize = 512 << 10

var (
	// orderIDRegex validates store order identifiers. Google orders look
	// like GPA.1234-5678-9012-34567, Apple transaction IDs are numeric.
	orderIDRegex = regexp.MustCompile(`^[A-Za-z0-9.\-]{1,128}$`)
	// accountIDRegex validates player account identifiers.
	accountIDRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)
	// base64Regex validates standard or URL-safe base64, padded or not.
	base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/\-_=]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidOrderID checks if a string is an acceptable store order identifier
func IsValidOrderID(s string) bool {
	return orderIDRegex.MatchString(s)
}

// IsValidAccountID checks if a string is an acceptable player account identifier
func IsValidAccountID(s string) bool {
	return accountIDRegex.MatchString(s)
}

// IsBase64 checks if a string contains only base64 alphabet characters
func IsBase64(s string) bool {
	return s != "" && base64Regex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// ValidationError represents a validation error
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
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
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

// ValidOrderID checks if a field is a well-formed store order identifier
func ValidOrderID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidOrderID(value) {
			return &ValidationError{Field: field, Message: "must be a valid order identifier"}
		}
		return nil
	}
}

// ValidAccountID checks if a field is a well-formed account identifier
func ValidAccountID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidAccountID(value) {
			return &ValidationError{Field: field, Message: "must be a valid account identifier"}
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

// Base64Field checks if a field looks like base64 content
func Base64Field(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsBase64(value) {
			return &ValidationError{Field: field, Message: "must be base64 encoded"}
		}
		return nil
	}
}

// AccountParamMiddleware validates the :account URL parameter on routes that
// use it. Apply to route groups that include :account params to reject
// malformed identifiers early.
func AccountParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		acct := c.Param("account")
		if acct != "" && !IsValidAccountID(acct) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_account",
				"message": "account must be 1-64 alphanumeric, dash or underscore characters",
			})
			return
		}
		c.Next()
	}
}
