// Package paths centralizes file and directory names used across the project.
// All data directory file names are defined here as the single source of truth.
package paths

import "path/filepath"

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Data directory file names.
const (
	PIDFile        = "daemon.pid"
	ConfigFile     = "config.toml"
	LogFile        = "daemon.log"
	DatabaseFile   = "soothsayer.db"
	PriceCacheFile = "price-cache.json"
	FeedSocketFile = "feed.sock"
	BinaryName     = "soothsayer"
	DataDirRel     = ".soothsayer" // relative to $HOME
)

// ReleaseManifest is the repository file the update checker fetches from the
// main branch to learn the latest released version.
const ReleaseManifest = ".release-manifest.json"

// FeedPipeName is the Windows named pipe path for the totals feed.
const FeedPipeName = `\\.\pipe\soothsayer-feed`

// ProcessedScope is the dedup namespace for stacked-deck drop identifiers.
const ProcessedScope = "stacked-deck"

// ///////////////////////////////////////////////
// DataDir
// ///////////////////////////////////////////////

// DataDir provides path construction methods rooted at a data directory.
type DataDir struct {
	Root string
}

// PID returns the full path to the PID file.
func (d DataDir) PID() string { return filepath.Join(d.Root, PIDFile) }

// Config returns the full path to the config file.
func (d DataDir) Config() string { return filepath.Join(d.Root, ConfigFile) }

// Log returns the full path to the log file.
func (d DataDir) Log() string { return filepath.Join(d.Root, LogFile) }

// Database returns the full path to the sqlite database file.
func (d DataDir) Database() string { return filepath.Join(d.Root, DatabaseFile) }

// PriceCache returns the full path to the price snapshot cache file.
func (d DataDir) PriceCache() string { return filepath.Join(d.Root, PriceCacheFile) }

// FeedSocket returns the full path to the totals feed unix socket.
func (d DataDir) FeedSocket() string { return filepath.Join(d.Root, FeedSocketFile) }
