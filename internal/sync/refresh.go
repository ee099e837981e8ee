package sync

import (
	"context"
	"time"

	"github.com/pvilela/chirp/internal/ledger"
	"github.com/pvilela/chirp/internal/presence"
	"github.com/pvilela/chirp/internal/status"
	"go.uber.org/zap"
)

const checkpointLastRefresh = "last_refresh"

// warmCache seeds in-memory state from the store so the UI renders before the
// first network round trip. Cached presence enters at the lowest source rank;
// any live signal outranks it.
func (e *Engine) warmCache() {
	rows, err := e.db.ListConversations(100, 0)
	if err != nil {
		e.logger.Error("failed to load cached conversations", zap.Error(err))
	} else if len(rows) > 0 {
		remotes := make([]ledger.Remote, 0, len(rows))
		for i := range rows {
			row := rows[i]
			count := row.UnreadCount
			remotes = append(remotes, ledger.Remote{
				ID:                 row.ID,
				Participants:       row.Participants,
				Type:               ledger.Type(row.Type),
				LastMessageSummary: row.LastMessageSummary,
				LastActivityAt:     millis(row.LastActivityAt),
				UnreadCount:        &count,
			})
		}
		e.ledger.ReconcileFull(remotes)
		e.logger.Info("conversation cache loaded", zap.Int("count", len(remotes)))
	}

	pres, err := e.db.ListPresence()
	if err != nil {
		e.logger.Error("failed to load cached presence", zap.Error(err))
		return
	}
	for _, p := range pres {
		if p.LastSeenAt > 0 {
			e.est.Observe(presence.Observation{
				UserID: p.UserID,
				Source: presence.SourceCached,
				SeenAt: millis(p.LastSeenAt),
			})
		}
	}
}

// Refresh pulls the full conversation list and reconciles it against local
// state. The server's unread counts win over optimistic local ones. Safe to
// run repeatedly; a refresh that changes nothing publishes nothing new beyond
// the sync.refreshed marker.
func (e *Engine) Refresh(ctx context.Context) {
	if e.rest == nil {
		return
	}
	list, err := e.rest.ListConversations(ctx)
	if err != nil {
		e.logger.Warn("conversation refresh failed", zap.Error(err))
		return
	}

	remotes := make([]ledger.Remote, 0, len(list))
	for _, dto := range list {
		convType := ledger.Type(dto.Type)
		if convType == "" {
			convType = ledger.TypePrivate
			if len(dto.Participants) > 2 {
				convType = ledger.TypeGroup
			}
		}
		remotes = append(remotes, ledger.Remote{
			ID:                 dto.ID,
			Participants:       dto.Participants,
			Type:               convType,
			LastMessageSummary: dto.LastMessage,
			LastActivityAt:     millis(dto.LastActivityAt),
			UnreadCount:        dto.UnreadCount,
		})
	}
	e.ledger.ReconcileFull(remotes)

	for _, conv := range e.ledger.Snapshot() {
		e.persistConversation(conv)
	}
	if err := e.db.UpdateCheckpoint(checkpointLastRefresh, time.Now().UTC().Format(time.RFC3339)); err != nil {
		e.logger.Warn("failed to record refresh checkpoint", zap.Error(err))
	}

	if e.machine != nil && e.machine.Current() == status.Syncing {
		_ = e.machine.Transition(status.Ready)
	}
	e.logger.Info("conversation list reconciled", zap.Int("count", len(remotes)))
}
