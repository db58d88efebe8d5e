package zones

import (
	"errors"
	"fmt"
	"strings"

	"zonewatch/internal/model"
)

// Validate checks a zone definition before it is written to the store.
func Validate(z model.Zone) error {
	var problems []string
	if strings.TrimSpace(z.ID) == "" {
		problems = append(problems, "id is required")
	}
	if !z.Center().Valid() {
		problems = append(problems, fmt.Sprintf("center %.6f,%.6f out of range", z.Lat, z.Lon))
	}
	if !(z.RadiusM > 0) {
		problems = append(problems, "radius_m must be positive")
	}
	if len(problems) > 0 {
		return errors.New("invalid zone: " + strings.Join(problems, "; "))
	}
	return nil
}
