package store

import (
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// The contacts and the profile are stored as JSON values in a key/value settings table.

func encodeContacts(contacts []string) (string, error) {
	if contacts == nil {
		contacts = []string{}
	}
	b, err := json.Marshal(contacts)
	if err != nil {
		return "", fmt.Errorf("failed to encode contacts: %w", err)
	}
	return string(b), nil
}

func decodeContacts(raw string) ([]string, error) {
	var contacts []string
	if err := json.Unmarshal([]byte(raw), &contacts); err != nil {
		return nil, fmt.Errorf("failed to decode contacts: %w", err)
	}
	return contacts, nil
}

func encodeProfile(p models.Profile) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode profile: %w", err)
	}
	return string(b), nil
}

func decodeProfile(raw string) (models.Profile, error) {
	var p models.Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return models.Profile{}, fmt.Errorf("failed to decode profile: %w", err)
	}
	return p, nil
}
