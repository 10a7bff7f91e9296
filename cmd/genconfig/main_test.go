package main

import (
	"reflect"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"

	"github.com/navali-creations/soothsayer-sub009/internal/config"
)

func TestRenderRoundTrips(t *testing.T) {
	data, err := render(config.DefaultConfig())
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	var parsed config.Config
	if err := toml.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generated TOML does not parse: %v", err)
	}
	if !reflect.DeepEqual(parsed, *config.DefaultConfig()) {
		t.Errorf("parsed config differs from defaults:\n%+v", parsed)
	}
	if err := parsed.Validate(); err != nil {
		t.Errorf("generated config does not validate: %v", err)
	}
}

func TestRenderIncludesComments(t *testing.T) {
	data, err := render(config.DefaultConfig())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	text := string(data)

	if !strings.HasPrefix(text, "# ///////") {
		t.Error("output missing banner header")
	}
	wants := []string{
		`# id selects the game client: "poe1" or "poe2".`,
		"# ignore_cards lists glob patterns excluded from totals",
		"# auto_session starts a session when the game client appears",
	}
	for _, want := range wants {
		if !strings.Contains(text, want) {
			t.Errorf("output missing comment %q", want)
		}
	}
}

func TestRenderCommentPrecedesKey(t *testing.T) {
	data, err := render(config.DefaultConfig())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	lines := strings.Split(string(data), "\n")

	for i, line := range lines {
		if strings.HasPrefix(line, "level = ") {
			if i == 0 || !strings.HasPrefix(lines[i-1], "# level is one of") {
				t.Errorf("level key not preceded by its doc comment, got %q", lines[i-1])
			}
			return
		}
	}
	t.Fatal("level key not found in output")
}
