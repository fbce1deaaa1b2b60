package uid

import "github.com/google/uuid"

// New generates a new unique identifier.
func New() string {
	return uuid.New().String()
}

// NewTemp generates a temporary identifier for a not-yet-confirmed record.
// Entries carrying the "temp-" prefix must be reconciled (replaced or
// removed) once an authoritative response arrives.
func NewTemp() string {
	return "temp-" + uuid.New().String()
}

// IsValid checks if a string is a valid UUID.
func IsValid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
