// Package validation checks detection input shared by the HTTP API and the
// broker ingestors, plus request-level guards for gin.
package validation

import (
	"math"
	"net/http"
	"net/netip"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// MaxRequestSize bounds request bodies.
	MaxRequestSize = 1 << 20

	// MaxSourceLength bounds a source identity.
	MaxSourceLength = 256

	// MaxSessionIDLength bounds a session identifier.
	MaxSessionIDLength = 512
)

// sourceRegex accepts IPv4/IPv6 literals (zones and brackets included),
// hostnames and opaque ids. '/' is excluded so a source is always a single
// URL path segment.
var sourceRegex = regexp.MustCompile(`^[A-Za-z0-9._:%@\[\]\-]+$`)

const sourceRule = "must be 1-256 characters of letters, digits or . _ : % @ [ ] -"

// RequestSizeMiddleware caps the request body at maxSize bytes.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSource reports whether s is usable as a source identity.
func IsValidSource(s string) bool {
	return len(s) > 0 && len(s) <= MaxSourceLength && sourceRegex.MatchString(s)
}

// NormalizeSource trims whitespace and canonicalizes IP literals, so
// "::ffff:10.0.0.1" and "10.0.0.1" share one identity. Other sources are
// returned trimmed but otherwise untouched.
func NormalizeSource(s string) string {
	s = strings.TrimSpace(s)
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String()
	}
	return s
}

// SanitizeString trims s, drops NUL bytes and truncates to maxLen bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is every rejected field of one input, in check order.
type Errors []FieldError

// Error reports the first failure.
func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Check is a single field rule; it returns nil when the field is fine.
type Check func() *FieldError

// Validate runs every check and collects the failures.
func Validate(checks ...Check) Errors {
	var errs Errors
	for _, check := range checks {
		if fe := check(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// Required rejects a blank value.
func Required(field, value string) Check {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// Present rejects an absent optional value, such as a nil *int label.
func Present(field string, ok bool) Check {
	return func() *FieldError {
		if !ok {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidSource rejects a non-empty value that is not a source identity.
// Pair it with Required for mandatory fields.
func ValidSource(field, value string) Check {
	return func() *FieldError {
		if value != "" && !IsValidSource(value) {
			return &FieldError{Field: field, Message: sourceRule}
		}
		return nil
	}
}

// MaxLength rejects values longer than max bytes.
func MaxLength(field, value string, max int) Check {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// NonNegative rejects negative, NaN and infinite numbers.
func NonNegative(field string, v float64) Check {
	return func() *FieldError {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return &FieldError{Field: field, Message: "must be a non-negative number"}
		}
		return nil
	}
}

// CheckDetection validates a classifier detection after NormalizeSource.
// The label is only required to be present: unknown labels are legal and
// degrade to the Other category.
func CheckDetection(source string, hasLabel bool, sessionID string, score float64, requests int) Errors {
	return Validate(
		Required("source", source),
		ValidSource("source", source),
		Present("label", hasLabel),
		MaxLength("sessionId", sessionID, MaxSessionIDLength),
		NonNegative("score", score),
		NonNegative("requests", float64(requests)),
	)
}

// SourceParamMiddleware validates the :source URL parameter on routes that use it.
func SourceParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if src := c.Param("source"); src != "" && !IsValidSource(src) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_source",
				"message": "source " + sourceRule,
			})
			return
		}
		c.Next()
	}
}
