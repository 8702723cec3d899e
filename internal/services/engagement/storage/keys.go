package storage

import (
	"fmt"
	"strings"
)

// keySeparator joins key parts into the canonical string form. The same
// string indexes the write buffers and routes to a shard, so a request and
// its eventual flush target always agree.
const keySeparator = "."

// CountKey identifies one per-record counter.
type CountKey struct {
	Entity   string
	RecordID string
	Type     string
}

// String renders the canonical "entity.record.type" form.
func (k CountKey) String() string {
	return k.Entity + keySeparator + k.RecordID + keySeparator + k.Type
}

// StatusKey identifies one per-user engagement status.
type StatusKey struct {
	Entity   string
	RecordID string
	Type     string
	UserID   string
}

// String renders the canonical "entity.record.type.user" form.
func (k StatusKey) String() string {
	return k.Entity + keySeparator + k.RecordID + keySeparator + k.Type + keySeparator + k.UserID
}

// CountKeyOf validates parts and builds a counter key.
func CountKeyOf(entity, recordID, engagementType string) (CountKey, error) {
	if err := validateKeyParts(entity, recordID, engagementType); err != nil {
		return CountKey{}, err
	}
	return CountKey{Entity: entity, RecordID: recordID, Type: engagementType}, nil
}

// StatusKeyOf validates parts and builds a status key.
func StatusKeyOf(entity, recordID, engagementType, userID string) (StatusKey, error) {
	if err := validateKeyParts(entity, recordID, engagementType, userID); err != nil {
		return StatusKey{}, err
	}
	return StatusKey{Entity: entity, RecordID: recordID, Type: engagementType, UserID: userID}, nil
}

// ParseCountKey inverts CountKey.String.
func ParseCountKey(value string) (CountKey, error) {
	parts := strings.Split(value, keySeparator)
	if len(parts) != 3 {
		return CountKey{}, fmt.Errorf("malformed count key %q", value)
	}
	return CountKeyOf(parts[0], parts[1], parts[2])
}

// ParseStatusKey inverts StatusKey.String.
func ParseStatusKey(value string) (StatusKey, error) {
	parts := strings.Split(value, keySeparator)
	if len(parts) != 4 {
		return StatusKey{}, fmt.Errorf("malformed status key %q", value)
	}
	return StatusKeyOf(parts[0], parts[1], parts[2], parts[3])
}

func validateKeyParts(parts ...string) error {
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return fmt.Errorf("empty key part")
		}
		if strings.Contains(part, keySeparator) {
			return fmt.Errorf("key part %q contains separator", part)
		}
	}
	return nil
}
