package cli

import (
	"strings"
	"testing"
)

func TestParseRequestArgs(t *testing.T) {
	tests := []struct {
		name       string
		positional string
		pairs      []string
		stdin      string
		tty        bool
		want       string
		wantErr    string
	}{
		{name: "none", tty: true, want: ""},
		{name: "positional object", positional: `{"FileName":"a.cs","Line":3}`, want: `{"FileName":"a.cs","Line":3}`},
		{name: "pairs typed", pairs: []string{"Line=3", "WantSnippet=true", "FileName=a.cs"}, want: `{"FileName":"a.cs","Line":3,"WantSnippet":true}`},
		{name: "pairs override positional", positional: `{"Line":1}`, pairs: []string{"Line=7"}, want: `{"Line":7}`},
		{name: "stdin when piped", stdin: `{"Filter":"Main"}`, want: `{"Filter":"Main"}`},
		{name: "stdin ignored on tty", stdin: `{"Filter":"Main"}`, tty: true, want: ""},
		{name: "array rejected", positional: `[1,2]`, wantErr: "must be an object"},
		{name: "bad json", positional: `{`, wantErr: "invalid JSON arguments"},
		{name: "bad pair", pairs: []string{"novalue"}, wantErr: "want key=value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRequestArgs(tt.positional, tt.pairs, strings.NewReader(tt.stdin), tt.tty)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("parseRequestArgs() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseRequestArgs() error = %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("parseRequestArgs() = %s, want %s", got, tt.want)
			}
		})
	}
}
