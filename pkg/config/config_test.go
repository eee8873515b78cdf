package config

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v2"
)

func TestUnmarshalConfig(t *testing.T) {
	raw := `
aliases:
  read: ["rd", "dump"]
strict-find: true
wait-interval: 250
`
	var c Config
	if err := yaml.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := c.Aliases["read"]; len(got) != 2 || got[0] != "rd" || got[1] != "dump" {
		t.Errorf("aliases = %v, want [rd dump]", got)
	}
	if !c.StrictFind {
		t.Error("strict-find not set")
	}
	if c.WaitInterval == nil || *c.WaitInterval != 250 {
		t.Errorf("wait-interval = %v, want 250", c.WaitInterval)
	}
	if c.DumpBytesPerLine != nil {
		t.Errorf("dump-bytes-per-line = %v, want unset", c.DumpBytesPerLine)
	}
}

func TestDefaultConfigIsValidYaml(t *testing.T) {
	// The commented template written on first run must stay parseable, or
	// every uncommented option would break loading.
	var sb strings.Builder
	for _, line := range []string{
		"aliases:",
		"strict-find: true",
		"wait-interval: 500",
		"dump-bytes-per-line: 16",
	} {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	var c Config
	if err := yaml.Unmarshal([]byte(sb.String()), &c); err != nil {
		t.Fatalf("unmarshal defaults: %v", err)
	}
	if c.DumpBytesPerLine == nil || *c.DumpBytesPerLine != 16 {
		t.Errorf("dump-bytes-per-line = %v, want 16", c.DumpBytesPerLine)
	}
}
