package discord

import (
	"encoding/json"
	"testing"

	"github.com/epiloop/epiloop/internal/plugins"
)

func TestPlugin_RequiresToken(t *testing.T) {
	d := Plugin()
	api := &plugins.API{Config: json.RawMessage(`{}`)}
	if err := d.Register(api); err == nil {
		t.Error("register without token must fail")
	}
}

func TestIsSnowflake(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"123456789012345678", true},
		{"12345678901234567", true},
		{"1234", false},
		{"12345678901234567a", false},
		{"general", false},
	}
	for _, tt := range tests {
		if got := isSnowflake(tt.input); got != tt.want {
			t.Errorf("isSnowflake(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
