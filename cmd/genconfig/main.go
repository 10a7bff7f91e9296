// Package main implements the genconfig tool that writes config.default.toml
// from config.DefaultConfig().
//
// It is invoked by go generate via the directive in the root package. The
// generated file is embedded into the daemon and copied to the data directory
// on first run, so the comments here are what users see when they open their
// config for the first time.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/navali-creations/soothsayer-sub009/internal/config"
)

// docs maps "section.key" to comment lines injected above the key.
var docs = map[string][]string{
	"game.id":     {`# id selects the game client: "poe1" or "poe2".`},
	"game.league": {`# league whose market prices apply.`},
	"game.client_log": {
		`# client_log is the full path to the game's Client.txt. Empty disables drop`,
		`# tracking.`,
	},
	"prices.freshness_minutes": {`# freshness_minutes is how long a fetched snapshot is served before a refetch.`},
	"prices.refresh_cron":      {`# refresh_cron re-fetches the snapshot on a schedule during long sessions.`},
	"prices.allow_stale":       {`# allow_stale serves the last known snapshot when the source is down.`},
	"valuation.source":         {`# source selects the market for unit prices: "primary" or "alternate".`},
	"feed.enabled":             {`# enabled starts the local totals feed for overlay consumers.`},
	"behavior.auto_session": {
		`# auto_session starts a session when the game client appears and stops it when`,
		`# the client exits.`,
	},
	"log.level": {`# level is one of: trace, debug, info, warn, error, fail.`},
}

// trailing maps a section to comment lines appended at its end, documenting
// keys the encoder omits because their default is empty.
var trailing = map[string][]string{
	"valuation": {`# ignore_cards lists glob patterns excluded from totals, e.g. ["The Carrion*"].`},
}

func main() {
	out := flag.String("out", "config.default.toml", "Output file path")
	flag.Parse()

	data, err := render(config.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "render: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", *out, err)
		os.Exit(1)
	}
}

// render encodes cfg as TOML and interleaves the documentation comments,
// producing the annotated default config file.
func render(cfg *config.Config) ([]byte, error) {
	var raw bytes.Buffer
	enc := toml.NewEncoder(&raw)
	enc.Indent = ""
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}

	out := []string{
		"# ///////////////////////////////////////////////",
		"# Soothsayer Configuration",
		"# ///////////////////////////////////////////////",
		"",
	}

	section := ""
	for _, line := range strings.Split(raw.String(), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "[") {
			out = append(out, trailing[section]...)
			out = append(out, "", trimmed)
			section = strings.Trim(trimmed, "[]")
			continue
		}
		key, _, _ := strings.Cut(trimmed, " ")
		if comment, ok := docs[section+"."+key]; ok {
			out = append(out, comment...)
		}
		out = append(out, trimmed)
	}
	out = append(out, trailing[section]...)
	out = append(out, "")

	return []byte(strings.Join(out, "\n")), nil
}
