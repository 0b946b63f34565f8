package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New("test", WARN, false)
	logger.SetOutput(&buf)

	logger.Info("ignored")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "ignored") {
		t.Error("INFO must be filtered at WARN level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("WARN must pass at WARN level")
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New("scheduler", INFO, true)
	logger.SetOutput(&buf)

	logger.WithFields(INFO, "assigned", map[string]interface{}{"job": "j1"})

	var entry struct {
		Level     string                 `json:"level"`
		Component string                 `json:"component"`
		Message   string                 `json:"message"`
		Fields    map[string]interface{} `json:"fields"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Output is not JSON: %v (%s)", err, buf.String())
	}
	if entry.Level != "INFO" || entry.Component != "scheduler" || entry.Message != "assigned" {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if entry.Fields["job"] != "j1" {
		t.Errorf("Fields lost: %+v", entry.Fields)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DEBUG,
		"warn":    WARN,
		"warning": WARN,
		"error":   ERROR,
		"info":    INFO,
		"bogus":   INFO,
	}
	for name, want := range cases {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}
