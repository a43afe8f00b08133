package domain

import (
	"fmt"
	"regexp"
)

// weekPattern accepts ISO-week labels like 2025-W41. Weeks 1 through 53,
// with or without a leading zero.
var weekPattern = regexp.MustCompile(`^20[2-9][0-9]-W(0?[1-9]|[1-4][0-9]|5[0-3])$`)

// ValidateWeek checks a week label. The empty string is allowed and means
// "current week".
func ValidateWeek(week string) error {
	if week == "" {
		return nil
	}
	if !weekPattern.MatchString(week) {
		return fmt.Errorf("week must match YYYY-Wnn (nn in 1..53), got %q", week)
	}
	return nil
}
