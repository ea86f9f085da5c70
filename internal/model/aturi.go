package model

import (
	"fmt"
	"strings"
)

// ATURI is a parsed AT-URI: at://<did>/<collection>/<rkey>.
// The DID names the owning identity, the collection the record type, and the
// rkey the record within the collection.
type ATURI struct {
	DID        string
	Collection string
	RKey       string
}

// ParseATURI parses an at:// URI into its components.
func ParseATURI(uri string) (ATURI, error) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return ATURI{}, fmt.Errorf("invalid AT-URI %q: missing at:// scheme", uri)
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return ATURI{}, fmt.Errorf("invalid AT-URI %q: want at://did/collection/rkey", uri)
	}
	for _, p := range parts {
		if p == "" {
			return ATURI{}, fmt.Errorf("invalid AT-URI %q: empty component", uri)
		}
	}
	if !strings.HasPrefix(parts[0], "did:") {
		return ATURI{}, fmt.Errorf("invalid AT-URI %q: authority is not a DID", uri)
	}

	return ATURI{DID: parts[0], Collection: parts[1], RKey: parts[2]}, nil
}

func (u ATURI) String() string {
	return fmt.Sprintf("at://%s/%s/%s", u.DID, u.Collection, u.RKey)
}
