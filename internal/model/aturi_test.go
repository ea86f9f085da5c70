package model

import (
	"strings"
	"testing"
)

func TestParseATURI(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		got, err := ParseATURI("at://did:plc:abc123/app.bsky.feed.post/3k44deef")
		if err != nil {
			t.Fatalf("ParseATURI() error = %v", err)
		}
		want := ATURI{DID: "did:plc:abc123", Collection: "app.bsky.feed.post", RKey: "3k44deef"}
		if got != want {
			t.Errorf("ParseATURI() = %+v, want %+v", got, want)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		tests := []struct {
			name    string
			uri     string
			wantMsg string
		}{
			{name: "missing scheme", uri: "https://example.com/a/b", wantMsg: "missing at:// scheme"},
			{name: "too few parts", uri: "at://did:plc:abc/collection", wantMsg: "want at://did/collection/rkey"},
			{name: "too many parts", uri: "at://did:plc:abc/a/b/c", wantMsg: "want at://did/collection/rkey"},
			{name: "empty component", uri: "at://did:plc:abc//rkey", wantMsg: "empty component"},
			{name: "authority not a did", uri: "at://example.com/a/b", wantMsg: "authority is not a DID"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := ParseATURI(tt.uri)
				if err == nil {
					t.Fatalf("ParseATURI(%q) expected error", tt.uri)
				}
				if !strings.Contains(err.Error(), tt.wantMsg) {
					t.Errorf("error = %q, want mention of %q", err, tt.wantMsg)
				}
			})
		}
	})
}

func TestATURI_String(t *testing.T) {
	const raw = "at://did:plc:abc/app.bsky.feed.post/3k44deef"
	parsed, err := ParseATURI(raw)
	if err != nil {
		t.Fatalf("ParseATURI() error = %v", err)
	}
	if got := parsed.String(); got != raw {
		t.Errorf("String() = %q, want %q", got, raw)
	}
}
