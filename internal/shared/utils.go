// Package shared holds constants, error types and wire types used across the gateway
package shared

import (
	"crypto/subtle"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/labstack/echo/v4"
)

// ParseCSV splits a comma separated list, dropping blanks
func ParseCSV(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for item := range strings.SplitSeq(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// CheckAPIKey compares the X-API-Key header to the configured key
func CheckAPIKey(c echo.Context, expected string) error {
	provided := c.Request().Header.Get(APIKeyHeader)
	if provided == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// NewID returns a 32 character hex-alphabet id used for stored records
func NewID() string {
	id, err := nanoid.Generate(IDAlphabet, IDLength)
	if err != nil {
		// nanoid only fails on a broken random source
		panic(err)
	}
	return id
}

func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}

func DerefString(s *string) string {
	if s != nil {
		return *s
	}
	return ""
}
