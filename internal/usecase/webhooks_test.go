package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"togglsync/internal/adapter/memory"
	"togglsync/internal/domain"
)

func newWebhookFixture(t *testing.T) (*memory.Store, *fakeToggl, *WebhookSetup) {
	t.Helper()
	ctx := context.Background()
	s := memory.NewStore()
	require.NoError(t, s.SaveCredentials(ctx, domain.Credentials{UserID: user, TogglAPIToken: "secret"}))
	for _, ws := range []domain.Workspace{
		{UserID: user, ID: 10, Name: "a-fresh", WebhookToken: "tok10"},
		{UserID: user, ID: 20, Name: "b-disabled", WebhookToken: "tok20"},
		{UserID: user, ID: 30, Name: "c-foreign", WebhookToken: "tok30"},
		{UserID: user, ID: 40, Name: "d-untokened"},
	} {
		_, err := s.UpsertWorkspace(ctx, ws)
		require.NoError(t, err)
	}
	toggl := &fakeToggl{webhooks: map[int64][]domain.WebhookSubscription{
		20: {{SubscriptionID: 2, WorkspaceID: 20, URLCallback: "https://sync.example.com/webhook/toggl/tok20/", Secret: "s20"}},
		30: {{SubscriptionID: 3, WorkspaceID: 30, URLCallback: "https://zapier.example.org/hook", Secret: "s30", Enabled: true}},
	}}
	setup := &WebhookSetup{Log: discardLogger(), Store: s, Toggl: toggl.factory(), Domain: "sync.example.com"}
	return s, toggl, setup
}

func TestWebhookSetup_SetupUser(t *testing.T) {
	s, toggl, setup := newWebhookFixture(t)
	ctx := context.Background()

	rep, err := setup.SetupUser(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, WebhookReport{Created: 1, Updated: 1, Existing: 1, Enabled: 1, Failed: 1}, rep)
	assert.Equal(t, []string{"create 10", "enable 20/2=true", "update 30/3"}, toggl.webhookCalls)

	fresh, err := s.GetWorkspace(ctx, user, 10)
	require.NoError(t, err)
	require.NotNil(t, fresh.WebhookSubscriptionID)
	assert.Equal(t, int64(1001), *fresh.WebhookSubscriptionID)
	assert.Equal(t, "secret-1001", fresh.WebhookSecret)
	assert.True(t, fresh.WebhookEnabled)
	assert.Equal(t, "https://sync.example.com/webhook/toggl/tok10/", toggl.webhooks[10][0].URLCallback)

	disabled, _ := s.GetWorkspace(ctx, user, 20)
	assert.True(t, disabled.WebhookEnabled)
	assert.Equal(t, "s20", disabled.WebhookSecret)
	assert.True(t, toggl.webhooks[20][0].Enabled)

	foreign, _ := s.GetWorkspace(ctx, user, 30)
	require.NotNil(t, foreign.WebhookSubscriptionID)
	assert.Equal(t, int64(3), *foreign.WebhookSubscriptionID)
	assert.Equal(t, "s30", foreign.WebhookSecret, "secret of the repointed subscription is kept")
	assert.Equal(t, "https://sync.example.com/webhook/toggl/tok30/", toggl.webhooks[30][0].URLCallback)

	untokened, _ := s.GetWorkspace(ctx, user, 40)
	assert.Nil(t, untokened.WebhookSubscriptionID)
}

func TestWebhookSetup_IsIdempotent(t *testing.T) {
	_, toggl, setup := newWebhookFixture(t)
	ctx := context.Background()
	_, err := setup.SetupUser(ctx, user)
	require.NoError(t, err)
	toggl.webhookCalls = nil

	rep, err := setup.SetupUser(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Existing)
	assert.Empty(t, toggl.webhookCalls)
}

func TestWebhookSetup_RepointsStaleCallbackOnOurHost(t *testing.T) {
	s, toggl, setup := newWebhookFixture(t)
	toggl.webhooks[10] = []domain.WebhookSubscription{
		{SubscriptionID: 5, URLCallback: "https://sync.example.com/webhook/toggl/old-token/", Secret: "s5", Enabled: true},
	}

	_, err := setup.SetupUser(context.Background(), user)
	require.NoError(t, err)
	assert.Contains(t, toggl.webhookCalls, "update 10/5")
	assert.Equal(t, setup.CallbackURL("tok10"), toggl.webhooks[10][0].URLCallback)
	ws, _ := s.GetWorkspace(context.Background(), user, 10)
	assert.Equal(t, "s5", ws.WebhookSecret)
}

func TestWebhookSetup_CreateFailureIsCounted(t *testing.T) {
	s, toggl, setup := newWebhookFixture(t)
	toggl.createErr = domain.ErrRemoteAPI

	rep, err := setup.SetupUser(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, 1, rep.Updated)
	ws, _ := s.GetWorkspace(context.Background(), user, 10)
	assert.Nil(t, ws.WebhookSubscriptionID)
}

func TestWebhookSetup_Preconditions(t *testing.T) {
	_, _, setup := newWebhookFixture(t)
	ctx := context.Background()

	_, err := setup.SetupUser(ctx, domain.UserID(404))
	assert.ErrorIs(t, err, ErrNoTogglToken)

	setup.Domain = ""
	_, err = setup.SetupUser(ctx, user)
	assert.ErrorIs(t, err, ErrNoWebhookDomain)
}

func TestWebhookSetup_Remove(t *testing.T) {
	s, toggl, setup := newWebhookFixture(t)
	ctx := context.Background()
	_, err := setup.SetupUser(ctx, user)
	require.NoError(t, err)

	rep, err := setup.Remove(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Removed)
	assert.Empty(t, toggl.webhooks[10])

	ws, err := s.GetWorkspace(ctx, user, 10)
	require.NoError(t, err)
	assert.Nil(t, ws.WebhookSubscriptionID)
	assert.False(t, ws.WebhookEnabled)
	assert.Equal(t, "tok10", ws.WebhookToken)
}
