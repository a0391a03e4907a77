package onboard

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/onboard/internal/engine"
	"github.com/rendis/onboard/internal/progress"
	"github.com/rendis/onboard/internal/progress/natstransport"
	"github.com/rendis/onboard/internal/progress/wstransport"
	"github.com/rendis/onboard/internal/remote"
	"github.com/rendis/onboard/internal/streaming"
	"github.com/rendis/onboard/pkg/schema"
)

// stubBackend answers every collaborator call successfully.
type stubBackend struct{}

func (stubBackend) Request(context.Context, string) error { return nil }

func (stubBackend) Verify(context.Context, string, string) (*engine.VerifyResult, error) {
	return &engine.VerifyResult{Verified: true, SessionToken: "sess-1", UserID: "u-1"}, nil
}

func (stubBackend) Authenticate(_ context.Context, id string) (*schema.PlatformConnection, error) {
	return &schema.PlatformConnection{PlatformID: id, AccessToken: "at-" + id}, nil
}

func (stubBackend) Register(context.Context, string, string, []schema.PlatformConnection) error {
	return nil
}

func (stubBackend) StartTraining(context.Context, string, map[string]any, []schema.PlatformConnection) error {
	return nil
}

func testSettings(t *testing.T) Settings {
	t.Helper()
	s := DefaultSettings()
	s.DBPath = filepath.Join(t.TempDir(), "onboard.db")
	s.VaultPassphrase = "correct horse battery staple"
	s.Refresh.Enabled = false
	s.Engine.Channel.Transport = "hub"
	s.Engine.RetryDelay = time.Millisecond
	return s
}

func stubServices() Services {
	b := stubBackend{}
	return Services{Email: b, Platforms: b, Registration: b, Training: b}
}

func waitStep(t *testing.T, ob *Onboard, step schema.Step) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := ob.State()
		return s.CurrentStep == step && !s.IsLoading
	}, 3*time.Second, time.Millisecond, "step %s", step)
}

func TestSettings_Validate(t *testing.T) {
	s := DefaultSettings()
	require.Error(t, s.Validate(), "passphrase is required")

	s.VaultPassphrase = "x"
	require.NoError(t, s.Validate())

	s.DBPath = ""
	require.Error(t, s.Validate())
}

func TestNew_RequiresBaseURLWithoutServices(t *testing.T) {
	_, err := New(context.Background(), testSettings(t))
	require.Error(t, err)
}

func TestOnboard_EndToEnd(t *testing.T) {
	ctx := context.Background()
	s := testSettings(t)
	ob, err := New(ctx, s, WithServices(stubServices()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ob.Close() })

	results := make(chan WorkflowResult, 1)
	require.NoError(t, ob.Start(func(r WorkflowResult) { results <- r }))
	workflowID := ob.State().WorkflowID

	require.NoError(t, ob.SetEmail("ana@example.com"))
	require.NoError(t, ob.Proceed())
	waitStep(t, ob, schema.StepVerify)

	require.NoError(t, ob.SetVerificationCode("123456"))
	require.NoError(t, ob.Proceed())
	waitStep(t, ob, schema.StepConnect)

	require.NoError(t, ob.ConnectPlatform("gmail"))
	require.Eventually(t, func() bool { return len(ob.State().Platforms) == 1 }, 3*time.Second, time.Millisecond)
	require.NoError(t, ob.Proceed())
	waitStep(t, ob, schema.StepPIN)

	require.NoError(t, ob.SetPIN("s3cret!pin"))
	require.NoError(t, ob.Proceed())
	waitStep(t, ob, schema.StepTraining)
	require.Eventually(t, func() bool { return ob.Hub().Subscribers() >= 1 }, 3*time.Second, time.Millisecond)

	require.NoError(t, ob.PublishProgress(ctx, "u-1", progress.EventETAUpdate, map[string]any{"percentage": 50}))
	require.NoError(t, ob.PublishProgress(ctx, "u-1", progress.EventJobCompleted, map[string]any{"completed": true}))

	var res WorkflowResult
	select {
	case res = <-results:
	case <-time.After(3 * time.Second):
		t.Fatal("no workflow result")
	}
	require.Equal(t, schema.ResultSuccess, res.Kind)
	assert.Equal(t, []string{"gmail"}, res.Session.Platforms)

	journey, err := ob.Replay(ctx, workflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.ResultSuccess, journey.Outcome)
	assert.Equal(t, []string{"gmail"}, journey.Platforms)
	assert.Equal(t, schema.StepComplete, journey.LastStep)

	ids, err := ob.Workflows(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{workflowID}, ids)

	saved, err := ob.Tokens().LoadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", saved.Email)

	conns, err := ob.Tokens().ListConnections(ctx)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "at-gmail", conns[0].AccessToken)

	mfs, err := ob.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestOnboard_VaultSaltSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s := testSettings(t)

	ob, err := New(ctx, s, WithServices(stubServices()))
	require.NoError(t, err)
	require.NoError(t, ob.Tokens().SaveSession(ctx, schema.Session{Email: "ana@example.com", SessionID: "s-1"}, "s3cret!pin"))
	require.NoError(t, ob.Close())

	ob, err = New(ctx, s, WithServices(stubServices()))
	require.NoError(t, err)
	saved, err := ob.Tokens().LoadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s-1", saved.SessionID)
	require.NoError(t, ob.Close())

	s.VaultPassphrase = "wrong"
	_, err = New(ctx, s, WithServices(stubServices()))
	var oe *schema.OnboardError
	require.ErrorAs(t, err, &oe, "a different passphrase is rejected at startup")
	assert.Equal(t, schema.ErrCodeVault, oe.Code)
}

func TestSelectTransport(t *testing.T) {
	hub := streaming.NewMemoryHub()
	o := options{}

	tr, err := selectTransport(engine.ChannelConfig{Transport: "ws"}, o, hub)
	require.NoError(t, err)
	assert.Nil(t, tr, "no url means local simulation")

	tr, err = selectTransport(engine.ChannelConfig{Transport: "ws", URL: "ws://localhost:9000/progress", Codec: "msgpack"}, o, hub)
	require.NoError(t, err)
	assert.IsType(t, &wstransport.Transport{}, tr)

	tr, err = selectTransport(engine.ChannelConfig{Transport: "nats", URL: "nats://localhost:4222"}, o, hub)
	require.NoError(t, err)
	assert.IsType(t, &natstransport.Transport{}, tr)

	tr, err = selectTransport(engine.ChannelConfig{Transport: "hub"}, o, hub)
	require.NoError(t, err)
	assert.IsType(t, &progress.HubTransport{}, tr)

	_, err = selectTransport(engine.ChannelConfig{Transport: "carrier-pigeon"}, o, hub)
	require.Error(t, err)

	custom := &progress.HubTransport{}
	tr, err = selectTransport(engine.ChannelConfig{Transport: "ws"}, options{transport: custom}, hub)
	require.NoError(t, err)
	assert.Same(t, custom, tr)
}

func TestServices_FillsHTTPAdapters(t *testing.T) {
	s := DefaultSettings()
	s.Engine.BaseURL = "https://api.onboard.test"

	svc, err := services(s, options{services: Services{Training: stubBackend{}}})
	require.NoError(t, err)
	assert.IsType(t, &remote.EmailService{}, svc.Email)
	assert.IsType(t, &remote.PlatformService{}, svc.Platforms)
	assert.IsType(t, &remote.RegistrationService{}, svc.Registration)
	assert.IsType(t, stubBackend{}, svc.Training)
	assert.IsType(t, &remote.PlatformService{}, svc.Refresher)
}
