// Package resolver picks the destination calendar and color of a time entry
// from the user's entity mappings.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"togglsync/internal/domain"
)

// Source is the read-only view of the entity store the resolver needs.
type Source interface {
	FindMappings(ctx context.Context, user domain.UserID, t domain.EntityType, ids []int64) ([]domain.EntityMapping, error)
	TagsByNames(ctx context.Context, user domain.UserID, names []string) ([]domain.Tag, error)
	GetProject(ctx context.Context, user domain.UserID, id int64) (domain.Project, error)
	GetWorkspace(ctx context.Context, user domain.UserID, id int64) (domain.Workspace, error)
	GetCalendar(ctx context.Context, user domain.UserID, id int64) (domain.Calendar, error)
	DefaultCalendar(ctx context.Context, user domain.UserID) (domain.Calendar, error)
}

// Subject is what the resolver looks at on an entry.
type Subject struct {
	TagIDs      []int64
	TagNames    []string // resolved to ids before matching
	ProjectID   *int64
	WorkspaceID *int64
}

// SubjectOf builds the resolver subject of a stored entry.
func SubjectOf(e domain.TimeEntry) Subject {
	return Subject{TagIDs: e.TagIDs, ProjectID: e.ProjectID, WorkspaceID: e.WorkspaceID}
}

// Resolution is the destination of an entry.
type Resolution struct {
	Calendar domain.Calendar
	Color    domain.Color
	Via      string // entity type of the winning mapping, or "default"
	Mapping  *domain.EntityMapping
}

// Resolver applies mappings by priority: tags, project, workspace,
// organization, then the default calendar.
type Resolver struct {
	src Source
	log *slog.Logger
}

func New(src Source, log *slog.Logger) *Resolver {
	return &Resolver{src: src, log: log}
}

// Resolve returns the destination for s, or domain.ErrNoDestination when no
// mapping applies and the user has no default calendar.
func (r *Resolver) Resolve(ctx context.Context, user domain.UserID, s Subject) (Resolution, error) {
	m, err := r.match(ctx, user, s)
	if err != nil {
		return Resolution{}, err
	}
	if m == nil {
		def, err := r.defaultCalendar(ctx, user)
		if err != nil {
			return Resolution{}, err
		}
		r.log.Debug("resolved to default calendar", slog.Int64("user", int64(user)), slog.String("calendar", def.Name))
		return Resolution{Calendar: def, Via: "default"}, nil
	}

	res := Resolution{Color: m.Color, Via: string(m.EntityType), Mapping: m}
	if m.CalendarID != nil {
		cal, err := r.src.GetCalendar(ctx, user, *m.CalendarID)
		switch {
		case err == nil:
			res.Calendar = cal
		case errors.Is(err, domain.ErrNotFound):
			r.log.Warn("mapping calendar missing, using default",
				slog.Int64("user", int64(user)), slog.Int64("mapping", m.ID))
		default:
			return Resolution{}, err
		}
	}
	if res.Calendar.ID == 0 {
		def, err := r.defaultCalendar(ctx, user)
		if err != nil {
			return Resolution{}, err
		}
		res.Calendar = def
	}
	r.log.Debug("resolved via mapping",
		slog.Int64("user", int64(user)),
		slog.String("via", res.Via),
		slog.String("calendar", res.Calendar.Name),
		slog.String("color", res.Color.Name()),
	)
	return res, nil
}

// match returns the highest priority mapping for s, or nil.
func (r *Resolver) match(ctx context.Context, user domain.UserID, s Subject) (*domain.EntityMapping, error) {
	tagIDs := append([]int64(nil), s.TagIDs...)
	if len(s.TagNames) > 0 {
		tags, err := r.src.TagsByNames(ctx, user, s.TagNames)
		if err != nil {
			return nil, fmt.Errorf("resolve tag names: %w", err)
		}
		for _, t := range tags {
			tagIDs = append(tagIDs, t.ID)
		}
	}
	if m, err := r.first(ctx, user, domain.EntityTag, tagIDs); m != nil || err != nil {
		return m, err
	}

	workspaceID := s.WorkspaceID
	if s.ProjectID != nil {
		if m, err := r.first(ctx, user, domain.EntityProject, []int64{*s.ProjectID}); m != nil || err != nil {
			return m, err
		}
		if workspaceID == nil {
			p, err := r.src.GetProject(ctx, user, *s.ProjectID)
			switch {
			case err == nil:
				workspaceID = &p.WorkspaceID
			case !errors.Is(err, domain.ErrNotFound):
				return nil, err
			}
		}
	}
	if workspaceID == nil {
		return nil, nil
	}
	if m, err := r.first(ctx, user, domain.EntityWorkspace, []int64{*workspaceID}); m != nil || err != nil {
		return m, err
	}

	ws, err := r.src.GetWorkspace(ctx, user, *workspaceID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ws.OrganizationID == nil {
		return nil, nil
	}
	return r.first(ctx, user, domain.EntityOrganization, []int64{*ws.OrganizationID})
}

func (r *Resolver) first(ctx context.Context, user domain.UserID, t domain.EntityType, ids []int64) (*domain.EntityMapping, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ms, err := r.src.FindMappings(ctx, user, t, ids)
	if err != nil {
		return nil, fmt.Errorf("find %s mappings: %w", t, err)
	}
	if len(ms) == 0 {
		return nil, nil
	}
	best := ms[0]
	for _, m := range ms[1:] {
		if m.ProcessOrder < best.ProcessOrder {
			best = m
		}
	}
	return &best, nil
}

func (r *Resolver) defaultCalendar(ctx context.Context, user domain.UserID) (domain.Calendar, error) {
	def, err := r.src.DefaultCalendar(ctx, user)
	if errors.Is(err, domain.ErrNotFound) {
		r.log.Warn("no default calendar configured", slog.Int64("user", int64(user)))
		return domain.Calendar{}, domain.ErrNoDestination
	}
	return def, err
}
