package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"togglsync/internal/domain"
	"togglsync/internal/ports"
)

// Ingest records normalized webhook events and hands them to the engine.
type Ingest struct {
	Log    *slog.Logger
	Store  ports.Store
	Engine *Engine
}

// Handle applies ev to the workspace owner's entries. It never calls remote
// APIs; the engine picks the change up after the quiet window.
func (i *Ingest) Handle(ctx context.Context, ws domain.Workspace, ev domain.EntryEvent) error {
	user := ws.UserID
	if ev.Action == domain.ActionDeleted {
		entry, err := i.Store.MarkPendingDeletion(ctx, user, ev.EntryID)
		if errors.Is(err, domain.ErrNotFound) {
			i.Log.Info("delete for unknown entry ignored",
				slog.Int64("user", int64(user)),
				slog.Int64("entry", ev.EntryID),
			)
			return nil
		}
		if err != nil {
			return fmt.Errorf("mark entry %d pending deletion: %w", ev.EntryID, err)
		}
		i.Engine.Enqueue(user, entry.ID, entry.UpdatedAt)
		return nil
	}

	tagIDs := ev.TagIDs
	if len(tagIDs) == 0 && len(ev.TagNames) > 0 {
		tags, err := i.Store.TagsByNames(ctx, user, ev.TagNames)
		if err != nil {
			return fmt.Errorf("resolve tag names: %w", err)
		}
		for _, t := range tags {
			tagIDs = append(tagIDs, t.ID)
		}
	}
	wsID := ev.WorkspaceID
	if wsID == nil {
		id := ws.ID
		wsID = &id
	}

	entry := domain.TimeEntry{
		UserID:      user,
		ID:          ev.EntryID,
		WorkspaceID: wsID,
		Description: ev.Description,
		Start:       ev.Start,
		Stop:        ev.Stop,
		ProjectID:   ev.ProjectID,
		TagIDs:      tagIDs,
	}
	if ev.CreatedAt != nil {
		entry.CreatedAt = *ev.CreatedAt
	}
	stored, err := i.Store.UpsertTimeEntry(ctx, entry)
	if err != nil {
		return fmt.Errorf("upsert entry %d: %w", ev.EntryID, err)
	}
	i.Log.Debug("entry recorded",
		slog.Int64("user", int64(user)),
		slog.Int64("entry", stored.ID),
		slog.String("action", string(ev.Action)),
	)
	i.Engine.Enqueue(user, stored.ID, stored.UpdatedAt)
	return nil
}
