package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/noteduco342/whispr-backend/internal/httpx"
)

// OriginAllowed rejects browser requests from origins outside the
// comma-separated allow list. An empty list or "*" admits every origin;
// requests without an Origin header (native clients) always pass.
func OriginAllowed(allowed string) fiber.Handler {
	origins := originSet(allowed)
	return func(c *fiber.Ctx) error {
		origin := strings.TrimRight(strings.TrimSpace(c.Get(fiber.HeaderOrigin)), "/")
		if origin == "" || origins == nil {
			return c.Next()
		}
		if _, ok := origins[strings.ToLower(origin)]; !ok {
			return httpx.Forbidden(c, "forbidden_origin", "Origin not allowed")
		}
		return c.Next()
	}
}

func originSet(allowed string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, part := range strings.Split(allowed, ",") {
		part = strings.ToLower(strings.TrimRight(strings.TrimSpace(part), "/"))
		switch part {
		case "":
			continue
		case "*":
			return nil
		}
		set[part] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
