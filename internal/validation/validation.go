// Package validation provides input validation for the escrow API.
package validation

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

// MaxReasonLength bounds free-text fields like refund reasons.
const MaxReasonLength = 500

// supportedCurrencies are the ISO 4217 codes the marketplace settles in.
var supportedCurrencies = map[string]bool{
	"eur": true,
	"gbp": true,
	"usd": true,
}

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCurrency reports whether the currency code is supported.
// Codes are compared case-insensitively.
func IsValidCurrency(code string) bool {
	return supportedCurrencies[strings.ToLower(code)]
}

// SupportedCurrencies returns the supported currency codes in sorted order.
func SupportedCurrencies() []string {
	codes := make([]string, 0, len(supportedCurrencies))
	for code := range supportedCurrencies {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// NormalizeCurrency lowercases a currency code, matching how the payment
// gateway represents currencies on the wire.
func NormalizeCurrency(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// SanitizeText trims, bounds, and strips null bytes from free-form text.
func SanitizeText(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// Error represents a single field validation failure.
type Error struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of validation failures.
type Errors []Error

// Error implements the error interface.
func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = fmt.Sprintf("%s: %s", v.Field, v.Message)
	}
	return strings.Join(parts, "; ")
}

// Check is a single validation to run.
type Check func() *Error

// Validate runs checks and collects failures.
func Validate(checks ...Check) Errors {
	var errs Errors
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// PositiveAmount validates an amount in minor units.
func PositiveAmount(field string, amount int64) Check {
	return func() *Error {
		if amount <= 0 {
			return &Error{Field: field, Message: "must be a positive amount in minor units"}
		}
		return nil
	}
}

// AmountBelow validates an amount against a ceiling.
func AmountBelow(field string, amount, ceiling int64) Check {
	return func() *Error {
		if amount > ceiling {
			return &Error{Field: field, Message: fmt.Sprintf("must not exceed %d", ceiling)}
		}
		return nil
	}
}

// SupportedCurrency validates a currency code.
func SupportedCurrency(field, code string) Check {
	return func() *Error {
		if !IsValidCurrency(code) {
			return &Error{Field: field, Message: "unsupported currency"}
		}
		return nil
	}
}

// NonEmpty validates that a required string field is present.
func NonEmpty(field, value string) Check {
	return func() *Error {
		if strings.TrimSpace(value) == "" {
			return &Error{Field: field, Message: "is required"}
		}
		return nil
	}
}
