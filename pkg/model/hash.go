package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NodeID derives the stable identity hash for a resource. The same tuple
// always yields the same id, so re-observing a resource mutates the
// existing node instead of creating a duplicate.
func NodeID(provider, account, region, resourceType, nativeID string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{provider, account, region, resourceType, nativeID}, "|")))
	return hex.EncodeToString(sum[:8])
}

// EdgeID derives the stable identity hash for a relationship from its
// endpoints and type.
func EdgeID(sourceID string, relation RelationType, targetID string) string {
	sum := sha256.Sum256([]byte(sourceID + "|" + string(relation) + "|" + targetID))
	return hex.EncodeToString(sum[:8])
}
