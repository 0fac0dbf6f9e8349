package state

// palette holds the cursor colors handed out to users. Assignment is random
// with no uniqueness guarantee: two users may share a color, and a restart
// re-randomizes everyone.
var palette = []string{
	"#e6194b",
	"#3cb44b",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#46f0f0",
	"#f032e6",
	"#9a6324",
	"#008080",
	"#808000",
}

// colorForLocked returns the process-wide color for userID, assigning one
// lazily the first time the user is seen. Caller holds m.mu.
func (m *Manager) colorForLocked(userID int64) string {
	if color, ok := m.colors[userID]; ok {
		return color
	}
	color := palette[m.rng.Intn(len(palette))]
	m.colors[userID] = color
	return color
}
