package fhir

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// SetVersionHeaders sets ETag and Last-Modified headers on the response.
func SetVersionHeaders(c echo.Context, meta *Meta) {
	if meta == nil {
		return
	}
	if meta.VersionID != "" {
		c.Response().Header().Set("ETag", FormatETag(meta.VersionID))
	}
	if meta.LastUpdated != nil {
		c.Response().Header().Set("Last-Modified", meta.LastUpdated.UTC().Format(http.TimeFormat))
	}
}

// IfMatch returns the version named by the If-Match header, or "" when the
// header is absent (unconditional update).
func IfMatch(c echo.Context) (string, error) {
	raw := c.Request().Header.Get("If-Match")
	if raw == "" {
		return "", nil
	}
	return ParseETag(raw)
}

// ParseETag extracts the version from an ETag value like W/"3" or "3".
func ParseETag(etag string) (string, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	if _, err := strconv.Atoi(etag); err != nil {
		return "", fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return etag, nil
}

// FormatETag creates a weak ETag from a version ID.
func FormatETag(versionID string) string {
	return fmt.Sprintf(`W/"%s"`, versionID)
}

// NextVersion increments a numeric versionId. Empty or non-numeric input
// restarts at "1".
func NextVersion(current string) string {
	n, err := strconv.Atoi(current)
	if err != nil || n < 0 {
		return "1"
	}
	return strconv.Itoa(n + 1)
}

// NextLastUpdated returns now, unless now does not advance past prev, in
// which case it returns prev plus one microsecond so that lastUpdated is
// strictly increasing per resource.
func NextLastUpdated(prev *time.Time, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if prev != nil && !now.After(*prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}
