package main

import (
	"testing"
)

func TestParseSubcommand(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCmd  string
		wantRest int
	}{
		{name: "no args defaults to serve", args: nil, wantCmd: "serve", wantRest: 0},
		{name: "leading flag defaults to serve", args: []string{"-x"}, wantCmd: "serve", wantRest: 1},
		{name: "explicit subcommand", args: []string{"doctor", "-json"}, wantCmd: "doctor", wantRest: 1},
		{name: "case folded", args: []string{"Backup"}, wantCmd: "backup", wantRest: 0},
		{name: "version", args: []string{"version"}, wantCmd: "version", wantRest: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, rest := parseSubcommand(tt.args)
			if cmd != tt.wantCmd {
				t.Fatalf("cmd mismatch: got %q want %q", cmd, tt.wantCmd)
			}
			if len(rest) != tt.wantRest {
				t.Fatalf("rest mismatch: got %d args want %d", len(rest), tt.wantRest)
			}
		})
	}
}
