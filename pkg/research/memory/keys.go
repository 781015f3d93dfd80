package memory

import (
	"github.com/google/uuid"
)

const keyPrefix = "memory"

// legacyPrefixes are spellings older writers used for the same logical
// memory. They are only read, never written.
var legacyPrefixes = []string{"memories", "chat"}

// Key is the one key derivation shared by every writer and reader.
func Key(memoryID string) string {
	return keyPrefix + "-" + memoryID
}

// CandidateKeys lists the canonical key first, then legacy spellings,
// then the bare id.
func CandidateKeys(memoryID string) []string {
	keys := []string{Key(memoryID)}
	for _, p := range legacyPrefixes {
		keys = append(keys, p+"-"+memoryID)
	}
	return append(keys, memoryID)
}

func NewMemoryID() string {
	return uuid.NewString()
}
