package telegram

import (
	"encoding/json"
	"testing"

	"github.com/epiloop/epiloop/internal/plugins"
)

const testToken = "123456:ABC-DEF1234ghIkl-zyx57W2v1u123ew11x"

func TestPlugin_RequiresToken(t *testing.T) {
	d := Plugin()
	api := &plugins.API{Config: json.RawMessage(`{}`)}
	if err := d.Register(api); err == nil {
		t.Error("register without token must fail")
	}
}

func TestDirectoryPredicate(t *testing.T) {
	ch, err := NewChannel(Config{Token: testToken}, nil, nil)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	p := ch.DirectoryProvider()

	tests := []struct {
		input string
		want  bool
	}{
		{"123456789", true},
		{"-1001234567890", true}, // supergroup ids are negative
		{"alice", false},
		{"-", false},
		{"12a4", false},
	}
	for _, tt := range tests {
		if got := p.LooksLikeID(tt.input); got != tt.want {
			t.Errorf("LooksLikeID(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
