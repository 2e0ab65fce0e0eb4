package engine

import (
	"context"
	"errors"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/models"

	log "github.com/sirupsen/logrus"
)

// SweepStale resets sessions with no activity for longer than the staleness
// window and returns how many were reset.
func (e *Engine) SweepStale(ctx context.Context) (int, error) {
	cutoff := e.Now().Add(-e.opts.StaleAfter)
	users, err := e.Sessions.Stale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	reset := 0
	for _, userID := range users {
		ok, err := e.resetStale(ctx, userID)
		if err != nil {
			log.Errorf("[sweeper] failed to reset session of user %s: %v", userID, err)
			continue
		}
		if ok {
			reset++
		}
	}
	if reset > 0 {
		log.Infof("[sweeper] reset %d stale sessions", reset)
		config.Metrics().Count("engine.stale_reset", int64(reset), nil, 1)
	}
	return reset, nil
}

func (e *Engine) resetStale(ctx context.Context, userID string) (bool, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	stored, err := e.Sessions.Load(ctx, userID)
	if err != nil {
		return false, err
	}
	// activity may have happened since the index was read
	if stored.Idle() || stored.LastActivity.After(e.Now().Add(-e.opts.StaleAfter)) {
		return false, nil
	}
	log.Infof("[sweeper] resetting stale flow %s (run %s) of user %s", stored.FlowID, stored.RunID, userID)
	work := stored.Clone()
	work.Reset(e.Now())
	err = e.save(ctx, work, stored.Version)
	if errors.Is(err, models.ErrStorageConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.send(ctx, userID, models.Response{
		Kind:    models.ResponseNotice,
		Text:    "Your unfinished request was closed after a long pause. You can start again from the menu.",
		Buttons: [][]models.Button{{menuButton}},
	})
	return true, nil
}
