package main

import (
	"testing"

	"github.com/matheus3301/chatsync/internal/store"
)

func TestParseThread(t *testing.T) {
	tests := []struct {
		in      string
		want    store.ThreadKey
		wantErr bool
	}{
		{"alice", store.ThreadKey{Kind: store.DirectConversation, ID: "alice"}, false},
		{"direct:bob", store.ThreadKey{Kind: store.DirectConversation, ID: "bob"}, false},
		{"group:team", store.ThreadKey{Kind: store.Group, ID: "team"}, false},
		{"channel:x", store.ThreadKey{}, true},
		{"group:", store.ThreadKey{}, true},
		{"", store.ThreadKey{}, true},
	}
	for _, tt := range tests {
		got, err := parseThread(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseThread(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseThread(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
