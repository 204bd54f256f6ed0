package resolver

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"togglsync/internal/adapter/memory"
	"togglsync/internal/domain"
)

const user = domain.UserID(1)

type fixture struct {
	store    *memory.Store
	resolver *Resolver
	def      domain.Calendar
	work     domain.Calendar
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.NewStore()
	orgID := int64(1)
	require.NoError(t, s.UpsertOrganization(ctx, domain.Organization{UserID: user, ID: orgID, Name: "Org"}))
	_, err := s.UpsertWorkspace(ctx, domain.Workspace{UserID: user, ID: 10, Name: "WS", OrganizationID: &orgID})
	require.NoError(t, err)
	require.NoError(t, s.UpsertProject(ctx, domain.Project{UserID: user, ID: 100, WorkspaceID: 10, Name: "P"}))
	require.NoError(t, s.UpsertTag(ctx, domain.Tag{UserID: user, ID: 50, WorkspaceID: 10, Name: "urgent"}))
	require.NoError(t, s.UpsertTag(ctx, domain.Tag{UserID: user, ID: 51, WorkspaceID: 10, Name: "client"}))
	def, err := s.SaveCalendar(ctx, domain.Calendar{UserID: user, CalendarID: "primary", Name: "Primary", IsDefault: true})
	require.NoError(t, err)
	work, err := s.SaveCalendar(ctx, domain.Calendar{UserID: user, CalendarID: "work", Name: "Work"})
	require.NoError(t, err)
	return &fixture{
		store:    s,
		resolver: New(s, slog.New(slog.NewTextHandler(io.Discard, nil))),
		def:      def,
		work:     work,
	}
}

func (f *fixture) mapping(t *testing.T, et domain.EntityType, id int64, color domain.Color, order int, cal *int64) {
	t.Helper()
	_, err := f.store.SaveMapping(context.Background(), domain.EntityMapping{
		UserID: user, EntityType: et, EntityID: id, Color: color, ProcessOrder: order, CalendarID: cal,
	})
	require.NoError(t, err)
}

func ptr(v int64) *int64 { return &v }

func TestResolve_DefaultWithoutMappings(t *testing.T) {
	f := newFixture(t)
	res, err := f.resolver.Resolve(context.Background(), user, Subject{ProjectID: ptr(100)})
	require.NoError(t, err)
	assert.Equal(t, f.def.ID, res.Calendar.ID)
	assert.Equal(t, domain.ColorNone, res.Color)
	assert.Equal(t, "default", res.Via)
}

func TestResolve_TagBeatsProject(t *testing.T) {
	f := newFixture(t)
	f.mapping(t, domain.EntityProject, 100, domain.ColorSage, 1, nil)
	f.mapping(t, domain.EntityTag, 50, domain.ColorTomato, 2, &f.work.ID)

	res, err := f.resolver.Resolve(context.Background(), user, Subject{ProjectID: ptr(100), TagIDs: []int64{50}})
	require.NoError(t, err)
	assert.Equal(t, domain.ColorTomato, res.Color)
	assert.Equal(t, f.work.ID, res.Calendar.ID)
	assert.Equal(t, "tag", res.Via)
}

func TestResolve_LowestProcessOrderAmongTags(t *testing.T) {
	f := newFixture(t)
	f.mapping(t, domain.EntityTag, 50, domain.ColorSage, 10, nil)
	f.mapping(t, domain.EntityTag, 51, domain.ColorTomato, 1, nil)

	res, err := f.resolver.Resolve(context.Background(), user, Subject{TagIDs: []int64{50, 51}})
	require.NoError(t, err)
	assert.Equal(t, domain.ColorTomato, res.Color)
}

func TestResolve_TagNames(t *testing.T) {
	f := newFixture(t)
	f.mapping(t, domain.EntityTag, 51, domain.ColorBanana, 1, nil)

	res, err := f.resolver.Resolve(context.Background(), user, Subject{TagNames: []string{"client"}})
	require.NoError(t, err)
	assert.Equal(t, domain.ColorBanana, res.Color)
}

func TestResolve_ProjectMapping(t *testing.T) {
	f := newFixture(t)
	f.mapping(t, domain.EntityProject, 100, domain.ColorBlueberry, 1, nil)

	res, err := f.resolver.Resolve(context.Background(), user, Subject{ProjectID: ptr(100)})
	require.NoError(t, err)
	assert.Equal(t, domain.ColorBlueberry, res.Color)
	assert.Equal(t, f.def.ID, res.Calendar.ID)
}

func TestResolve_WorkspaceBeatsOrganization(t *testing.T) {
	f := newFixture(t)
	f.mapping(t, domain.EntityOrganization, 1, domain.ColorBasil, 1, nil)
	f.mapping(t, domain.EntityWorkspace, 10, domain.ColorPeacock, 2, nil)

	res, err := f.resolver.Resolve(context.Background(), user, Subject{WorkspaceID: ptr(10)})
	require.NoError(t, err)
	assert.Equal(t, domain.ColorPeacock, res.Color)
}

func TestResolve_WorkspaceFromProject(t *testing.T) {
	f := newFixture(t)
	f.mapping(t, domain.EntityWorkspace, 10, domain.ColorPeacock, 1, nil)

	res, err := f.resolver.Resolve(context.Background(), user, Subject{ProjectID: ptr(100)})
	require.NoError(t, err)
	assert.Equal(t, domain.ColorPeacock, res.Color)
}

func TestResolve_OrganizationFallback(t *testing.T) {
	f := newFixture(t)
	f.mapping(t, domain.EntityOrganization, 1, domain.ColorBasil, 1, &f.work.ID)

	res, err := f.resolver.Resolve(context.Background(), user, Subject{ProjectID: ptr(100)})
	require.NoError(t, err)
	assert.Equal(t, domain.ColorBasil, res.Color)
	assert.Equal(t, f.work.ID, res.Calendar.ID)
}

func TestResolve_NoDefaultCalendar(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.DeleteCalendar(context.Background(), user, f.def.ID))

	_, err := f.resolver.Resolve(context.Background(), user, Subject{})
	assert.ErrorIs(t, err, domain.ErrNoDestination)
}

func TestResolve_IgnoresOtherUsersMappings(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.SaveMapping(context.Background(), domain.EntityMapping{
		UserID: 2, EntityType: domain.EntityProject, EntityID: 100, Color: domain.ColorTomato,
	})
	require.NoError(t, err)

	res, err := f.resolver.Resolve(context.Background(), user, Subject{ProjectID: ptr(100)})
	require.NoError(t, err)
	assert.Equal(t, "default", res.Via)
}
