package memory

import (
	"fmt"
	"strings"
)

// Eviction bounds what a single stored tool result may cost. Raw tool
// dumps (query output, file listings) are shown to the user once and
// rarely needed verbatim again, but left in working memory they are
// re-transmitted to the backend on every subsequent turn. Above the
// threshold the dump is replaced in place by a compact placeholder;
// the message itself is never dropped, so ordering is preserved.
//
// The policy is entry-local: it does not track an aggregate budget for
// the whole conversation. Messages below the threshold are never
// touched, so a history of many small messages can still exceed the
// nominal budget. Known limitation, kept deliberately.

// EvictionStats reports what one Evict pass changed.
type EvictionStats struct {
	// MessagesEvicted is the number of tool results replaced.
	MessagesEvicted int `json:"messages_evicted"`
	// BytesSaved is originalBytes - filteredBytes across the history.
	BytesSaved int `json:"bytes_saved"`
}

// evictionNotice is the placeholder format. It records that the result
// was already shown, a coarse magnitude, and how to get the data back.
const evictionNotice = "[Tool result no longer in memory. It contained %s (%d bytes) and was shown to the user when produced. Re-invoke the tool if the value is needed again.]"

// Evict replaces oversized raw tool results with compact placeholders.
// Only text tool messages above thresholdBytes are rewritten; user and
// assistant messages, structured artifacts, and small tool results pass
// through byte-for-byte. Pure: the input slice is not modified.
func Evict(history []Message, thresholdBytes int) ([]Message, EvictionStats, error) {
	var stats EvictionStats
	if thresholdBytes <= 0 {
		return nil, stats, fmt.Errorf("eviction threshold must be positive, got %d", thresholdBytes)
	}
	if len(history) == 0 {
		return []Message{}, stats, nil
	}

	out := make([]Message, len(history))
	copy(out, history)

	for i, m := range out {
		if m.Role != RoleTool || m.IsStructured() || m.SizeBytes <= thresholdBytes {
			continue
		}

		placeholder := fmt.Sprintf(evictionNotice, describeMagnitude(m.Content), m.SizeBytes)
		saved := m.SizeBytes - len(placeholder)

		out[i].Content = placeholder
		out[i].SizeBytes = len(placeholder)
		stats.MessagesEvicted++
		stats.BytesSaved += saved
	}

	return out, stats, nil
}

// describeMagnitude extracts a coarse size description from a raw tool
// dump so the backend can judge whether re-running the tool is worth it.
// A trailing newline terminates the last line rather than starting a
// new one.
func describeMagnitude(content string) string {
	lines := strings.Count(strings.TrimSuffix(content, "\n"), "\n") + 1
	if lines == 1 {
		return "1 line of output"
	}
	return fmt.Sprintf("%d lines of output", lines)
}
