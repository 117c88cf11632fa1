package cmds

import (
	"strings"
	"testing"

	"github.com/remdap/remdap/pkg/config"
)

func TestSelectConnection(t *testing.T) {
	dev := config.ConnectionConfig{Name: "dev", URL: "https://dev.example.com:44300"}
	qa := config.ConnectionConfig{Name: "qa", URL: "https://qa.example.com:44300"}

	testCases := []struct {
		name    string
		conns   []config.ConnectionConfig
		args    []string
		want    string
		wanterr string
	}{
		{
			"no connections configured",
			nil,
			nil,
			"",
			"no connections configured",
		},
		{
			"explicit name",
			[]config.ConnectionConfig{dev, qa},
			[]string{"qa"},
			"qa",
			"",
		},
		{
			"unknown name",
			[]config.ConnectionConfig{dev},
			[]string{"prod"},
			"",
			`no connection named "prod"`,
		},
		{
			"single connection implied",
			[]config.ConnectionConfig{dev},
			nil,
			"dev",
			"",
		},
		{
			// Stdin is not a terminal under go test, so the ambiguous
			// case must refuse instead of prompting.
			"ambiguous without terminal",
			[]config.ConnectionConfig{dev, qa},
			nil,
			"",
			"name one explicitly",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conf = &config.Config{Connections: tc.conns}
			conn, err := selectConnection(tc.args)
			if tc.wanterr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wanterr) {
					t.Fatalf("error = %v, want %q", err, tc.wanterr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if conn.Name != tc.want {
				t.Errorf("selected %q, want %q", conn.Name, tc.want)
			}
		})
	}
}

func TestEnsureTerminalIDIsStable(t *testing.T) {
	conf = &config.Config{Connections: []config.ConnectionConfig{{Name: "dev", TerminalID: "existing-id"}}}
	got, err := ensureTerminalID(&conf.Connections[0])
	if err != nil {
		t.Fatal(err)
	}
	if got != "existing-id" {
		t.Errorf("terminal id = %q, want the persisted one", got)
	}
}
