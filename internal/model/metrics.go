package model

// DashboardMetrics holds aggregate business metrics computed by the backend.
// Read-only and derived; never cached locally.
type DashboardMetrics struct {
	TotalCards  int           `json:"total_cards"`
	VisitsToday int           `json:"visits_today"`
	Levels      LevelCounts   `json:"levels"`
	Milestones  MilestoneHits `json:"milestones_today"`
}

// LevelCounts buckets cards by visit progress.
type LevelCounts struct {
	New      int `json:"0_4"`
	Reward   int `json:"5"`
	Advanced int `json:"6_9"`
	Complete int `json:"10"`
}

// MilestoneHits counts cards that crossed a discount tier today.
type MilestoneHits struct {
	Reward   int `json:"5"`
	Complete int `json:"10"`
}
