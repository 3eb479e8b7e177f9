package jobstate

// milestoneWindow is the width of the percent band that counts as reaching a milestone.
const milestoneWindow = 5

var milestones = []struct {
	percent int
	event   string
}{
	{25, EventProgress25},
	{50, EventProgress50},
	{75, EventProgress75},
}

// MilestoneFor returns the progress event whose window [m, m+5) contains
// processed/total, if any.
func MilestoneFor(processed, total int) (string, bool) {
	if total <= 0 {
		return "", false
	}
	pct := float64(processed) / float64(total) * 100
	for _, m := range milestones {
		if pct >= float64(m.percent) && pct < float64(m.percent+milestoneWindow) {
			return m.event, true
		}
	}
	return "", false
}

// Milestones tracks which progress events were already emitted during one run.
type Milestones struct {
	seen map[string]bool
}

// NewMilestones returns an empty tracker.
func NewMilestones() *Milestones {
	return &Milestones{seen: make(map[string]bool)}
}

// Observe returns the milestone event reached at processed/total the first time it is seen.
func (m *Milestones) Observe(processed, total int) (string, bool) {
	ev, ok := MilestoneFor(processed, total)
	if !ok || m.seen[ev] {
		return "", false
	}
	m.seen[ev] = true
	return ev, true
}
