package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"togglsync/internal/domain"
	"togglsync/internal/ports"
)

// MappingApply re-renders already synced entries after mappings changed.
type MappingApply struct {
	Log    *slog.Logger
	Store  ports.Store
	Engine *Engine
}

// ApplyAll walks the user's mappings from lowest to highest priority and
// enqueues every synced entry each one matches for immediate reprocessing.
// Entries matched by several mappings are scheduled once. It returns the
// number of entries scheduled.
func (a *MappingApply) ApplyAll(ctx context.Context, user domain.UserID) (int, error) {
	mappings, err := a.Store.ListMappings(ctx, user)
	if err != nil {
		return 0, fmt.Errorf("list mappings: %w", err)
	}
	slices.Reverse(mappings)

	entries, err := a.Store.ListSyncedEntries(ctx, user, 0)
	if err != nil {
		return 0, fmt.Errorf("list synced entries: %w", err)
	}
	projects, err := a.Store.ListProjects(ctx, user)
	if err != nil {
		return 0, fmt.Errorf("list projects: %w", err)
	}
	workspaces, err := a.Store.ListWorkspaces(ctx, user)
	if err != nil {
		return 0, fmt.Errorf("list workspaces: %w", err)
	}
	projectWS := make(map[int64]int64, len(projects))
	for _, p := range projects {
		projectWS[p.ID] = p.WorkspaceID
	}
	wsOrg := make(map[int64]int64, len(workspaces))
	for _, w := range workspaces {
		if w.OrganizationID != nil {
			wsOrg[w.ID] = *w.OrganizationID
		}
	}

	scheduled := make(map[int64]bool)
	for _, m := range mappings {
		n := 0
		for _, e := range entries {
			if scheduled[e.ID] || !matches(m, e, projectWS, wsOrg) {
				continue
			}
			a.Engine.EnqueueNow(user, e.ID)
			scheduled[e.ID] = true
			n++
		}
		a.Log.Debug("mapping applied",
			slog.Int64("user", int64(user)),
			slog.String("mapping", m.String()),
			slog.Int("entries", n),
		)
	}
	a.Log.Info("mappings applied",
		slog.Int64("user", int64(user)),
		slog.Int("mappings", len(mappings)),
		slog.Int("scheduled", len(scheduled)),
	)
	return len(scheduled), nil
}

// matches reports whether e falls under m. Workspace and organization
// mappings use the entry's workspace, falling back to its project's.
func matches(m domain.EntityMapping, e domain.TimeEntry, projectWS, wsOrg map[int64]int64) bool {
	switch m.EntityType {
	case domain.EntityTag:
		return slices.Contains(e.TagIDs, m.EntityID)
	case domain.EntityProject:
		return e.ProjectID != nil && *e.ProjectID == m.EntityID
	}
	var ws int64
	switch {
	case e.WorkspaceID != nil:
		ws = *e.WorkspaceID
	case e.ProjectID != nil:
		var ok bool
		if ws, ok = projectWS[*e.ProjectID]; !ok {
			return false
		}
	default:
		return false
	}
	switch m.EntityType {
	case domain.EntityWorkspace:
		return ws == m.EntityID
	case domain.EntityOrganization:
		org, ok := wsOrg[ws]
		return ok && org == m.EntityID
	}
	return false
}
