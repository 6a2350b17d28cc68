package api

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/p-arndt/labkasten/internal/runtime"
)

var (
	// identPattern matches user and course ids: letters, digits, dot, underscore, hyphen, @
	identPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]*$`)
)

const maxIdentLen = 128

// ValidateSessionID checks that id is a session UUID.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

func validateIdent(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(v) > maxIdentLen {
		return fmt.Errorf("%s must not exceed %d characters", field, maxIdentLen)
	}
	if !identPattern.MatchString(v) {
		return fmt.Errorf("%s may contain only letters, digits, '.', '_', '-' and '@'", field)
	}
	return nil
}

// validateCreateSessionRequest validates session creation parameters
func validateCreateSessionRequest(req createSessionRequest) error {
	if err := validateIdent("user_id", req.UserID); err != nil {
		return err
	}
	if err := validateIdent("course_id", req.CourseID); err != nil {
		return err
	}
	if len(req.ImageRef) > 255 {
		return fmt.Errorf("image_ref must not exceed 255 characters")
	}
	if req.Limits != nil {
		return validateLimits(*req.Limits)
	}
	return nil
}

func validateLimits(l runtime.Limits) error {
	if l.CPUShares < 0 || l.MemoryBytes < 0 || l.DiskBytes < 0 {
		return fmt.Errorf("resource limits must be non-negative")
	}
	return nil
}

// parseStatuses splits a comma-separated status filter.
func parseStatuses(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
