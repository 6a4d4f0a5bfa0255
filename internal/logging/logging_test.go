package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		env       string
		json      bool
		wantDebug bool
	}{
		{"local", false, true},
		{"debug", true, true},
		{"prod", true, false},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		log := newWithWriter(tt.env, &buf)
		log.Debug("pipeline.debug", "k", 1)
		log.Info("pipeline.info", "k", 2)

		out := buf.String()
		if got := strings.Contains(out, "pipeline.debug"); got != tt.wantDebug {
			t.Errorf("%s: debug logged = %v, want %v", tt.env, got, tt.wantDebug)
		}
		if !strings.Contains(out, "pipeline.info") {
			t.Errorf("%s: info line missing", tt.env)
		}

		line := strings.SplitN(strings.TrimSpace(out), "\n", 2)[0]
		isJSON := json.Valid([]byte(line))
		if isJSON != tt.json {
			t.Errorf("%s: json output = %v, want %v", tt.env, isJSON, tt.json)
		}
	}
}
