// Package progress is the consolidated XP + achievement ingestion
// pipeline backing POST /progress/event. Source systems historically
// called the achievement pipeline up to three times per event; this
// package guarantees at-most-one unlock per (user_id, achievement_id)
// no matter how many conditions a single event carries (spec.md §9,
// generalized per SPEC_FULL.md's supplemented-features note).
package progress

import (
	"context"

	"canasta-server/internal/domain"
	"canasta-server/internal/repository"
)

// Event is one XP/achievement ingestion request.
type Event struct {
	UserID     string
	XPDelta    int
	Reason     string
	Conditions []string // candidate achievement ids to check-and-unlock
}

// Result reports what the event actually changed.
type Result struct {
	Stats          domain.UserStats
	NewlyUnlocked  []string
}

type Pipeline struct {
	repo repository.Repository
}

func NewPipeline(repo repository.Repository) *Pipeline {
	return &Pipeline{repo: repo}
}

// Ingest applies the XP delta and evaluates every candidate condition in
// one pass, returning only the achievements that were newly unlocked by
// this call.
func (p *Pipeline) Ingest(ctx context.Context, ev Event) (Result, error) {
	stats, err := p.repo.ApplyXPEvent(ctx, ev.UserID, ev.XPDelta, ev.Reason)
	if err != nil {
		return Result{}, err
	}

	var unlocked []string
	if len(ev.Conditions) > 0 {
		unlocked, err = p.repo.RecordAchievementUnlocks(ctx, ev.UserID, ev.Conditions)
		if err != nil {
			return Result{Stats: stats}, err
		}
	}

	return Result{Stats: stats, NewlyUnlocked: unlocked}, nil
}
