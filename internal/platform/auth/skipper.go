package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// Route templates served without a bearer token.
var publicRoutes = map[string]bool{
	"/health":        true,
	"/health/db":     true,
	"/metrics":       true,
	"/fhir/metadata": true,
	"/cds-services":  true,
}

// AuthSkipper lets infrastructure and discovery routes through. Only the CDS
// Hooks discovery document is public; invoking a hook requires a token.
func AuthSkipper(c echo.Context) bool {
	path := c.Path()
	if publicRoutes[path] {
		return true
	}
	return strings.HasPrefix(path, "/health/")
}
