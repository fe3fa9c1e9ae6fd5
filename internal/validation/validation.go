// Package validation checks and normalizes request input for the relay API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1MB.
const MaxRequestSize = 1 << 20

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,63}$`)

// FieldError describes one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects every failed check of a request.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + " " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Check inspects one field and returns nil when it is valid.
type Check func() *FieldError

// Validate runs every check and returns the failures, or nil.
func Validate(checks ...Check) Errors {
	var errs Errors
	for _, check := range checks {
		if fe := check(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// Respond writes errs as a 400 validation_failed response.
func Respond(c *gin.Context, errs Errors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": errs.Error(),
		"details": errs,
	})
}

// IsAddress reports whether s is 0x followed by 40 hex digits.
func IsAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// NormalizeAddress trims and lower-cases an address and adds the 0x
// prefix to bare 40-character input. It does not validate.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if len(addr) == 40 && !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}

// Clean trims s, strips NUL bytes and truncates to maxLen bytes.
func Clean(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// Required fails on blank values.
func Required(field, value string) Check {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{field, "is required"}
		}
		return nil
	}
}

// Address fails on non-empty values that are not addresses. Pair with
// Required for mandatory fields.
func Address(field, value string) Check {
	return func() *FieldError {
		if value != "" && !IsAddress(value) {
			return &FieldError{field, "must be a valid address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// MaxLength fails when value is longer than n bytes.
func MaxLength(field, value string, n int) Check {
	return func() *FieldError {
		if len(value) > n {
			return &FieldError{field, "exceeds maximum length"}
		}
		return nil
	}
}

// Identifier requires a slug of up to 64 letters, digits, '_', '.', ':'
// or '-', starting with a letter or digit.
func Identifier(field, value string) Check {
	return func() *FieldError {
		switch {
		case value == "":
			return &FieldError{field, "is required"}
		case !identifierRe.MatchString(value):
			return &FieldError{field, "must be letters, digits, '_', '.', ':' or '-'"}
		}
		return nil
	}
}

// LimitBody caps the request body at maxSize bytes.
func LimitBody(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AddressParam rejects requests whose :address path segment is not an
// address once normalized.
func AddressParam() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAddress(NormalizeAddress(c.Param("address"))) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be 0x + 40 hex chars",
			})
			return
		}
		c.Next()
	}
}
