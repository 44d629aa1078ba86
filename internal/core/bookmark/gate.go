package bookmark

import "streamship/internal/core/envelope"

// Gate implements the first-batch "not bookmarkable" optimization from spec
// §4.4: on the first batch a dispatcher sees, check whether any envelope
// carries a bookmark key at all. If none do, remember that this dispatcher's
// source is not bookmarkable and skip the per-batch grouping work on every
// batch after that. One Gate belongs to one dispatcher; it is not shared.
type Gate struct {
	checked      bool
	bookmarkable bool
}

// Positions returns this batch's highest-position-per-key grouping, or nil
// immediately (without scanning) once the gate has determined the source
// carries no bookmarks at all.
func Positions[T any](g *Gate, b envelope.Batch[T]) map[string]int64 {
	if g.checked && !g.bookmarkable {
		return nil
	}

	highest := b.HighestPositions()
	if !g.checked {
		g.checked = true
		g.bookmarkable = len(highest) > 0
	}
	if !g.bookmarkable {
		return nil
	}
	return highest
}
