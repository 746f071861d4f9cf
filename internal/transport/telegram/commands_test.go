package telegram

import (
	"reflect"
	"testing"
)

func TestParseUsernames(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "empty", raw: "", want: []string{}},
		{name: "single", raw: "alice", want: []string{"alice"}},
		{name: "at prefix stripped", raw: "@Alice", want: []string{"alice"}},
		{name: "spaces", raw: "alice bob", want: []string{"alice", "bob"}},
		{name: "commas", raw: "alice,bob, carol", want: []string{"alice", "bob", "carol"}},
		{name: "mixed separators", raw: "@alice, @Bob  carol", want: []string{"alice", "bob", "carol"}},
		{name: "dedupe keeps first", raw: "alice bob ALICE @alice", want: []string{"alice", "bob"}},
		{name: "bare at ignored", raw: "@ , alice", want: []string{"alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseUsernames(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ParseUsernames(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}
