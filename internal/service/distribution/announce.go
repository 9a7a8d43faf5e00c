package distribution

import (
	"context"
	"errors"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Galaxerum/dif-bot/pkg/notify"
)

// ErrNotifyDisabled is returned by Announce when no notifier is configured.
var ErrNotifyDisabled = errors.New("distribution: team notifications disabled")

const announceParallelism = 4

// Notifier delivers a team notice to its members.
type Notifier interface {
	NotifyTeam(ctx context.Context, notice notify.TeamNotice) error
}

// AnnounceResult summarises a notification round.
type AnnounceResult struct {
	Teams    int     `json:"teams"`
	Notified int     `json:"notified"`
	Failed   []int64 `json:"failed_team_ids"`
}

// Announce sends every non-empty team its roster. Failed deliveries are
// reported per team and do not stop the round.
func (s Service) Announce(ctx context.Context) (AnnounceResult, error) {
	if s.opts.Notifier == nil {
		return AnnounceResult{}, ErrNotifyDisabled
	}
	rosters, err := s.store.ListTeamRosters(ctx)
	if err != nil {
		return AnnounceResult{}, err
	}

	var (
		mu     sync.Mutex
		result = AnnounceResult{Failed: []int64{}}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(announceParallelism)
	for _, roster := range rosters {
		if len(roster.Members) == 0 {
			continue
		}
		result.Teams++
		notice := notify.TeamNotice{TeamID: roster.ID, Color: roster.Color}
		for _, m := range roster.Members {
			notice.Members = append(notice.Members, notify.Member{ID: m.ID, Name: m.DisplayName})
		}
		g.Go(func() error {
			err := s.opts.Notifier.NotifyTeam(gctx, notice)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("team notification failed", "team_id", notice.TeamID, "error", err)
				result.Failed = append(result.Failed, notice.TeamID)
				return nil
			}
			result.Notified++
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(result.Failed)
	if err := ctx.Err(); err != nil {
		return result, err
	}
	s.logger.Info("teams announced", "teams", result.Teams, "notified", result.Notified, "failed", len(result.Failed))
	return result, nil
}
