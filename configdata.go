// Package soothsayer provides embedded assets for the Soothsayer daemon.
//
// The root package exists solely to embed [config.default.toml] via
// [DefaultConfigTOML]. The daemon copies this file to the data directory on
// first run so users have a commented starting point to edit.
package soothsayer

import _ "embed"

//go:generate go run ./cmd/genconfig

// DefaultConfigTOML holds the raw bytes of config.default.toml, embedded at
// build time. Regenerate the file with cmd/genconfig after changing the
// defaults in [internal/config].
//
//go:embed config.default.toml
var DefaultConfigTOML []byte
