package alert

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// EmergencyStatement opens every alert message.
const EmergencyStatement = "EMERGENCY! I need help."

// MapLink returns a map URL for the coordinates with six decimals.
func MapLink(latitude, longitude float64) string {
	return fmt.Sprintf("https://maps.google.com/?q=%.6f,%.6f", latitude, longitude)
}

// FormatMessage renders the SMS body for a payload.
func FormatMessage(p models.AlertPayload) string {
	profile := p.Profile()
	var b strings.Builder
	b.WriteString(EmergencyStatement)
	b.WriteString("\nMy location: ")
	b.WriteString(MapLink(p.Latitude(), p.Longitude()))
	b.WriteString("\n\nMedical information:\n")
	fmt.Fprintf(&b, "Age: %s\n", profile.Age)
	fmt.Fprintf(&b, "Blood type: %s\n", profile.BloodType)
	fmt.Fprintf(&b, "Height: %s\n", withUnit(profile.Height, "m"))
	fmt.Fprintf(&b, "Weight: %s", withUnit(profile.Weight, "kg"))
	return b.String()
}

func withUnit(v, unit string) string {
	if v == models.Unspecified {
		return v
	}
	return v + unit
}
