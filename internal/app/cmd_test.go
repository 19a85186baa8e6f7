package app

import (
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{"引数なしはserve", []string{}, CommandServe},
		{"nilはserve", nil, CommandServe},
		{"serve", []string{"serve"}, CommandServe},
		{"migrate", []string{"migrate"}, CommandMigrate},
		{"healthcheck", []string{"healthcheck"}, CommandHealthcheck},
		{"未知のコマンドはserve", []string{"unknown"}, CommandServe},
		{"2番目以降の引数は無視", []string{"migrate", "--flag", "value"}, CommandMigrate},
		{"大文字は未知として扱う", []string{"MIGRATE"}, CommandServe},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseCommand(tt.args); got != tt.want {
				t.Errorf("ParseCommand(%q) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestLookupCommand_ReportsUnknown(t *testing.T) {
	tests := []struct {
		args      []string
		wantKnown bool
	}{
		{nil, true},
		{[]string{"serve"}, true},
		{[]string{"healthcheck"}, true},
		{[]string{"worker"}, false},
		{[]string{""}, false},
	}

	for _, tt := range tests {
		if _, known := lookupCommand(tt.args); known != tt.wantKnown {
			t.Errorf("lookupCommand(%q) known = %v, want %v", tt.args, known, tt.wantKnown)
		}
	}
}

func TestCommandString(t *testing.T) {
	for name, cmd := range commands {
		if string(cmd) != name {
			t.Errorf("commands[%q] = %q", name, cmd)
		}
	}
}
