// Package clientlog extracts divination-card drop events from the game
// client's log file.
//
// The package provides two layers:
//
//   - Parsing: [ParseDrops] is a pure function that scans raw log text for
//     stacked-deck draw lines, extracts a per-line unique identifier and the
//     card name, and deduplicates against a caller-supplied set.
//   - Tailing: [TailReader] incrementally reads newly appended bytes from the
//     log file, runs them through ParseDrops, persists processed identifiers,
//     and hands accepted events to a drop handler in file order.
package clientlog

import "strings"

// DropMarker is the fixed substring that identifies a stacked-deck draw line.
const DropMarker = "drawn from the deck"

// idField is the 0-based whitespace-delimited field index holding the
// per-line unique identifier in client log lines.
const idField = 2

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// DropEvent is a single observed card acquisition. Immutable once parsed.
type DropEvent struct {
	// UniqueID is the per-occurrence identifier used as the dedup key.
	UniqueID string
	// CardName is the card payload captured from the log line.
	CardName string
}

// CardDrops accumulates the drops attributed to one card name within a batch.
type CardDrops struct {
	// Count is the number of accepted drops for this card.
	Count int
	// ProcessedIDs lists the accepted identifiers in file order.
	ProcessedIDs []string
}

// Batch is the result of one [ParseDrops] call. Total always equals the sum
// of all per-card counts, and Events preserves file order across cards.
type Batch struct {
	// Total is the number of accepted drop events.
	Total int
	// Cards maps card names to their accumulated drops.
	Cards map[string]*CardDrops
	// Events lists all accepted drops in the order they appeared.
	Events []DropEvent
}

// ///////////////////////////////////////////////
// Parsing
// ///////////////////////////////////////////////

// ParseDrops scans text for stacked-deck draw lines and returns the accepted
// drop events. alreadyProcessed supplies identifiers consumed by earlier
// batches; matching is exact. Identifiers repeated within text itself are
// also accepted only once.
//
// Lines are silently skipped when they lack the marker, have fewer than three
// whitespace-delimited fields, or carry no non-empty braced payload after the
// marker. The function performs no I/O, never fails, and is safe to call
// concurrently with the same inputs.
func ParseDrops(text string, alreadyProcessed map[string]struct{}) Batch {
	batch := Batch{Cards: make(map[string]*CardDrops)}
	seen := make(map[string]struct{})

	for _, line := range strings.Split(text, "\n") {
		markerIdx := strings.Index(line, DropMarker)
		if markerIdx < 0 {
			continue
		}

		card, ok := capturePayload(line[markerIdx+len(DropMarker):])
		if !ok {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) <= idField {
			continue
		}
		id := fields[idField]

		if _, dup := alreadyProcessed[id]; dup {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		cd := batch.Cards[card]
		if cd == nil {
			cd = &CardDrops{}
			batch.Cards[card] = cd
		}
		cd.Count++
		cd.ProcessedIDs = append(cd.ProcessedIDs, id)
		batch.Events = append(batch.Events, DropEvent{UniqueID: id, CardName: card})
		batch.Total++
	}

	return batch
}

// capturePayload extracts the text between the first '{' and the matching '}'
// following the marker. Empty captures, unterminated braces, and captures
// consisting only of brace characters are rejected.
func capturePayload(rest string) (string, bool) {
	open := strings.IndexByte(rest, '{')
	if open < 0 {
		return "", false
	}
	length := strings.IndexByte(rest[open+1:], '}')
	if length < 0 {
		return "", false
	}
	payload := rest[open+1 : open+1+length]
	if strings.Trim(payload, "{}") == "" {
		return "", false
	}
	return payload, true
}

// IDs returns the batch's accepted identifiers in file order.
func (b Batch) IDs() []string {
	ids := make([]string, 0, len(b.Events))
	for _, ev := range b.Events {
		ids = append(ids, ev.UniqueID)
	}
	return ids
}
