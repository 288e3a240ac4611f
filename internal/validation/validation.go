// Package validation provides request validation helpers for the HTTP API.
package validation

import (
	"net/http"
	"net/mail"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 500

var (
	// Safaricom subscriber numbers: 7XXXXXXXX or 1XXXXXXXX after the country code.
	kePhoneRegex = regexp.MustCompile(`^254[17]\d{8}$`)
	idRegex      = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	nonDigits    = regexp.MustCompile(`[^\d]`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// NormalizePhone converts the local and international spellings of a
// Kenyan mobile number (07.., 01.., +2547.., 2547.., 7..) to 2547XXXXXXXX
// form. It returns "" when the input is not a valid mobile number.
func NormalizePhone(phone string) string {
	digits := nonDigits.ReplaceAllString(strings.TrimSpace(phone), "")
	switch {
	case strings.HasPrefix(digits, "254"):
	case strings.HasPrefix(digits, "0") && len(digits) == 10:
		digits = "254" + digits[1:]
	case len(digits) == 9:
		digits = "254" + digits
	}
	if !kePhoneRegex.MatchString(digits) {
		return ""
	}
	return digits
}

// IsValidID checks an id path parameter.
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
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

// Validate runs validators and collects their failures
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max bytes
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidPhone checks a mobile-money phone number. Empty is allowed; combine
// with Required where the number is mandatory.
func ValidPhone(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if NormalizePhone(value) == "" {
			return &ValidationError{Field: field, Message: "must be a Kenyan mobile number (07XXXXXXXX or 2547XXXXXXXX)"}
		}
		return nil
	}
}

// ValidEmail checks a bare email address. Empty is allowed.
func ValidEmail(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		addr, err := mail.ParseAddress(value)
		if err != nil || addr.Address != value {
			return &ValidationError{Field: field, Message: "must be a valid email address"}
		}
		return nil
	}
}

// PositiveAmount checks that a money amount is > 0 with at most two decimals.
func PositiveAmount(field string, value decimal.Decimal) func() *ValidationError {
	return func() *ValidationError {
		if !value.IsPositive() {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		if !value.Equal(value.Round(2)) {
			return &ValidationError{Field: field, Message: "must have at most two decimal places"}
		}
		return nil
	}
}

// OneOf checks that value is one of allowed.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// Check turns an arbitrary condition into a validator.
func Check(ok bool, field, message string) func() *ValidationError {
	return func() *ValidationError {
		if !ok {
			return &ValidationError{Field: field, Message: message}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed :id path parameters early.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must be 1-64 characters of letters, digits, '-' or '_'",
			})
			return
		}
		c.Next()
	}
}
