package main

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/navali-creations/soothsayer-sub009/internal/config"
	"github.com/navali-creations/soothsayer-sub009/internal/paths"
	"github.com/navali-creations/soothsayer-sub009/internal/prices"
	"github.com/navali-creations/soothsayer-sub009/internal/tracker"
)

// ///////////////////////////////////////////////
// resolveVersion Tests
// ///////////////////////////////////////////////

func TestResolveVersionWithLdflags(t *testing.T) {
	// When version is set to something other than "dev", it should be returned as-is.
	original := version
	defer func() { version = original }()

	version = "1.2.3"
	got := resolveVersion()
	if got != "1.2.3" {
		t.Errorf("resolveVersion() = %q, want %q", got, "1.2.3")
	}
}

func TestResolveVersionDev(t *testing.T) {
	// When version is "dev", resolveVersion falls through to debug.ReadBuildInfo.
	// In test binaries, ReadBuildInfo may or may not return VCS info.
	// We just verify it returns a non-empty string.
	original := version
	defer func() { version = original }()

	version = "dev"
	got := resolveVersion()
	if got == "" {
		t.Error("resolveVersion() returned empty string")
	}
	// It should either be "dev" (no VCS info) or "dev+<hash>" or "dev+<hash>.dirty".
	if !strings.HasPrefix(got, "dev") {
		t.Errorf("resolveVersion() = %q, expected to start with 'dev'", got)
	}
}

// ///////////////////////////////////////////////
// pidToken Tests
// ///////////////////////////////////////////////

func TestPidToken_Unique(t *testing.T) {
	a := pidToken()
	b := pidToken()
	if a == b {
		t.Errorf("pidToken() returned the same value twice: %q", a)
	}
}

func TestPidToken_Length(t *testing.T) {
	tok := pidToken()
	if len(tok) != 16 {
		t.Errorf("pidToken() length = %d, want 16", len(tok))
	}
}

// ///////////////////////////////////////////////
// writePID / removePID Tests
// ///////////////////////////////////////////////

func TestWritePID_CreatesFile(t *testing.T) {
	dp := DataPaths{Root: t.TempDir()}
	token := pidToken()

	f, err := writePID(dp, token)
	if err != nil {
		t.Fatalf("writePID() error: %v", err)
	}
	defer func() {
		_ = unlockFile(f)
		f.Close()
	}()

	if _, err := os.Stat(dp.PID()); os.IsNotExist(err) {
		t.Fatal("PID file was not created")
	}
}

func TestWritePID_FileContainsPID(t *testing.T) {
	dp := DataPaths{Root: t.TempDir()}
	token := pidToken()

	f, err := writePID(dp, token)
	if err != nil {
		t.Fatalf("writePID() error: %v", err)
	}
	defer func() {
		_ = unlockFile(f)
		f.Close()
	}()

	// Read through the open handle — on Windows the lock prevents os.ReadFile.
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatalf("Seek() error: %v", err)
	}
	data := make([]byte, 256)
	n, err := f.Read(data)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}

	expected := fmt.Sprintf("%d:%s", os.Getpid(), token)
	if string(data[:n]) != expected {
		t.Errorf("PID file content = %q, want %q", string(data[:n]), expected)
	}
}

func TestRemovePID_MatchingToken(t *testing.T) {
	dp := DataPaths{Root: t.TempDir()}
	token := pidToken()

	f, err := writePID(dp, token)
	if err != nil {
		t.Fatalf("writePID() error: %v", err)
	}

	removePID(dp, token, f)

	if _, err := os.Stat(dp.PID()); !os.IsNotExist(err) {
		t.Error("PID file should have been removed with matching token")
	}
}

func TestRemovePID_MismatchedToken(t *testing.T) {
	dp := DataPaths{Root: t.TempDir()}
	token := pidToken()

	f, err := writePID(dp, token)
	if err != nil {
		t.Fatalf("writePID() error: %v", err)
	}

	removePID(dp, "wrong-token", f)

	if _, err := os.Stat(dp.PID()); os.IsNotExist(err) {
		t.Error("PID file should NOT have been removed with mismatched token")
	}

	// Clean up the file that was intentionally kept.
	os.Remove(dp.PID())
}

func TestRemovePID_NilFile(t *testing.T) {
	dp := DataPaths{Root: t.TempDir()}

	// Should not panic with a nil file handle.
	removePID(dp, "any-token", nil)
}

// ///////////////////////////////////////////////
// checkStalePID Tests
// ///////////////////////////////////////////////

func TestCheckStalePID_NoFile(t *testing.T) {
	dp := DataPaths{Root: t.TempDir()}

	alive, pid := checkStalePID(dp)
	if alive {
		t.Error("checkStalePID() returned alive=true with no PID file")
	}
	if pid != 0 {
		t.Errorf("checkStalePID() pid = %d, want 0", pid)
	}
}

func TestCheckStalePID_StalePID(t *testing.T) {
	dp := DataPaths{Root: t.TempDir()}

	// Write a PID file without holding a lock — simulates a dead process.
	if err := os.WriteFile(dp.PID(), []byte("99999:staletoken"), 0o600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	alive, pid := checkStalePID(dp)
	if alive {
		t.Error("checkStalePID() returned alive=true for stale PID")
	}
	if pid != 0 {
		t.Errorf("checkStalePID() pid = %d, want 0 for stale", pid)
	}

	// Stale PID file should have been cleaned up.
	if _, err := os.Stat(dp.PID()); !os.IsNotExist(err) {
		t.Error("stale PID file should have been removed")
	}
}

// ///////////////////////////////////////////////
// defaultDataDir Tests
// ///////////////////////////////////////////////

func TestDefaultDataDir(t *testing.T) {
	dir := defaultDataDir()
	if dir == "" {
		t.Fatal("defaultDataDir() returned empty string")
	}
	if !strings.HasSuffix(dir, paths.DataDirRel) {
		t.Errorf("defaultDataDir() = %q, want path ending in %q", dir, paths.DataDirRel)
	}
}

// ///////////////////////////////////////////////
// buildTotalsPayload Tests
// ///////////////////////////////////////////////

func testSnapshot() *prices.Snapshot {
	return &prices.Snapshot{
		ID:              "poe1-Standard-1",
		Game:            "poe1",
		League:          "Standard",
		FetchedAt:       time.Now(),
		ExchangeRatio:   150,
		AcquisitionCost: 3.5,
		Cards: map[string]prices.CardPrice{
			"The Doctor":    {ChaosValue: 5000, Confidence: 1},
			"Rain of Chaos": {ChaosValue: 0.5, Confidence: 1},
		},
	}
}

func testTotals() tracker.Totals {
	started := time.Date(2026, 1, 10, 20, 0, 0, 0, time.UTC)
	return tracker.Totals{
		SessionID:  "poe1-1",
		Game:       "poe1",
		League:     "Standard",
		StartedAt:  started,
		TotalDrops: 40,
		Cards: map[string]tracker.CardEntry{
			"The Doctor":    {CardName: "The Doctor", Count: 1},
			"Rain of Chaos": {CardName: "Rain of Chaos", Count: 39},
		},
	}
}

func TestBuildTotalsPayload(t *testing.T) {
	cfg := config.DefaultConfig()
	p := buildTotalsPayload(cfg, testTotals(), true, testSnapshot())

	if !p.Active {
		t.Error("Active = false, want true")
	}
	if p.SessionID != "poe1-1" {
		t.Errorf("SessionID = %q", p.SessionID)
	}
	if p.SnapshotID != "poe1-Standard-1" {
		t.Errorf("SnapshotID = %q", p.SnapshotID)
	}
	if p.TotalDrops != 40 {
		t.Errorf("TotalDrops = %d, want 40", p.TotalDrops)
	}
	if p.StartedAt == nil {
		t.Fatal("StartedAt is nil for a started session")
	}

	// 5000 + 39*0.5 = 5019.5 chaos; 40 decks at 3.5 cost 140.
	if p.TotalChaos != 5019.5 {
		t.Errorf("TotalChaos = %v, want 5019.5", p.TotalChaos)
	}
	if p.NetProfit != 5019.5-140 {
		t.Errorf("NetProfit = %v, want %v", p.NetProfit, 5019.5-140)
	}
	if !p.DivineAvailable {
		t.Error("DivineAvailable = false with a valid exchange ratio")
	}

	// Sorted by total value descending.
	if len(p.Cards) != 2 {
		t.Fatalf("Cards count = %d, want 2", len(p.Cards))
	}
	if p.Cards[0].CardName != "The Doctor" {
		t.Errorf("Cards[0] = %q, want The Doctor first", p.Cards[0].CardName)
	}
	if p.Cards[0].Tier != "jackpot" {
		t.Errorf("Cards[0].Tier = %q, want jackpot", p.Cards[0].Tier)
	}
}

func TestBuildTotalsPayload_IgnorePatterns(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Valuation.IgnoreCards = []string{"Rain of*"}

	p := buildTotalsPayload(cfg, testTotals(), true, testSnapshot())

	if len(p.Cards) != 1 {
		t.Fatalf("Cards count = %d, want 1 after ignoring Rain of Chaos", len(p.Cards))
	}
	if p.Cards[0].CardName != "The Doctor" {
		t.Errorf("Cards[0] = %q", p.Cards[0].CardName)
	}
	if p.TotalChaos != 5000 {
		t.Errorf("TotalChaos = %v, want 5000 without the ignored card", p.TotalChaos)
	}
	// TotalDrops still reflects every deck opened; ignoring only affects value.
	if p.TotalDrops != 40 {
		t.Errorf("TotalDrops = %d, want 40", p.TotalDrops)
	}
}

func TestBuildTotalsPayload_NilSnapshot(t *testing.T) {
	cfg := config.DefaultConfig()
	p := buildTotalsPayload(cfg, testTotals(), true, nil)

	if p.TotalChaos != 0 || p.NetProfit != 0 {
		t.Errorf("totals = %v/%v, want zero without a snapshot", p.TotalChaos, p.NetProfit)
	}
	if p.DivineAvailable {
		t.Error("DivineAvailable = true without a snapshot")
	}
	if len(p.Cards) != 2 {
		t.Fatalf("Cards count = %d, want counts preserved", len(p.Cards))
	}
	if p.UnpricedCards != 2 {
		t.Errorf("UnpricedCards = %d, want 2", p.UnpricedCards)
	}
}

func TestBuildTotalsPayload_Inactive(t *testing.T) {
	cfg := config.DefaultConfig()
	p := buildTotalsPayload(cfg, tracker.Totals{}, false, testSnapshot())

	if p.Active {
		t.Error("Active = true for inactive session")
	}
	// Game and league come from config even when no session ever ran.
	if p.Game != "poe1" || p.League != "Standard" {
		t.Errorf("game/league = %q/%q", p.Game, p.League)
	}
	if p.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil", p.StartedAt)
	}
	if len(p.Cards) != 0 {
		t.Errorf("Cards count = %d, want 0", len(p.Cards))
	}
}
