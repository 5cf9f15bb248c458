package room_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/hghs/internal/api"
	"github.com/lalith-99/hghs/internal/auth"
	"github.com/lalith-99/hghs/internal/matrixclient"
	"github.com/lalith-99/hghs/internal/models"
	"github.com/lalith-99/hghs/internal/repository"
	"github.com/lalith-99/hghs/internal/repository/memory"
	"github.com/lalith-99/hghs/internal/repository/repotest"
	"github.com/lalith-99/hghs/internal/repository/room"
	"github.com/lalith-99/hghs/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	backendUser     = "storage"
	backendPassword = "storage-pw"
)

// newUpstream runs an in-process homeserver on the memory driver with one
// account for the room backend to use.
func newUpstream(t *testing.T) (*httptest.Server, *service.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	repos := repository.NewIdentities(memory.NewDriver())
	require.NoError(t, repos.Initialize(ctx))
	tokens, err := auth.NewTokenService("upstream-secret", "HS256", 60, "upstream.test", nil)
	require.NoError(t, err)
	svc, err := service.New(service.Config{
		ServerName:         "upstream.test",
		PasswordIterations: auth.MinPasswordIterations,
	}, service.Deps{Repos: repos, Tokens: tokens, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NoError(t, svc.Initialize(ctx))
	require.NoError(t, svc.EnsureUsers(ctx, []service.InitialUser{{Username: backendUser, Password: backendPassword}}))

	srv := httptest.NewServer(api.NewRouter(svc, zaptest.NewLogger(t)))
	t.Cleanup(srv.Close)
	return srv, svc
}

func newDriver(t *testing.T, srv *httptest.Server) *room.Driver {
	t.Helper()
	client, err := matrixclient.New(matrixclient.Config{
		HomeserverURL: srv.URL,
		HTTPClient:    srv.Client(),
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return room.NewDriver(client, backendUser, backendPassword, zaptest.NewLogger(t))
}

func TestBackendContract(t *testing.T) {
	srv, _ := newUpstream(t)
	driver := newDriver(t, srv)

	repotest.RunBackendContract(t, func(t *testing.T, kind string) repository.Backend {
		b := driver.Backend(kind)
		require.NoError(t, b.Initialize(context.Background()))
		return b
	})
}

func TestInitializeReusesRoomByAlias(t *testing.T) {
	ctx := context.Background()
	srv, svc := newUpstream(t)

	first := newDriver(t, srv).Backend("users")
	require.NoError(t, first.Initialize(ctx))
	require.NoError(t, first.Create(ctx, repository.Record{ID: "a", Unique: "alice", Data: []byte(`{"n":1}`)}))

	// A second process sees the same room and the same items.
	second := newDriver(t, srv).Backend("users")
	require.NoError(t, second.Initialize(ctx))
	got, err := second.Get(ctx, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(got.Data))
	assert.Equal(t, "alice", got.Unique)

	dir, err := svc.GetDirectoryRoomByAlias(ctx, "#hghs-users:upstream.test")
	require.NoError(t, err)

	caller := service.Caller{UserID: "@" + backendUser + ":upstream.test"}
	content, err := svc.GetRoomStateByType(ctx, caller, dir.RoomID, "m.room.create", "")
	require.NoError(t, err)
	assert.Contains(t, string(content), room.RoomType)
}

func TestBackendBeforeInitialize(t *testing.T) {
	srv, _ := newUpstream(t)
	b := newDriver(t, srv).Backend("rooms")
	_, err := b.List(context.Background())
	assert.Error(t, err)
}

func TestDriverHealth(t *testing.T) {
	ctx := context.Background()
	srv, _ := newUpstream(t)

	require.NoError(t, newDriver(t, srv).Health(ctx))

	client, err := matrixclient.New(matrixclient.Config{HomeserverURL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	badLogin := room.NewDriver(client, backendUser, "wrong", zaptest.NewLogger(t))
	assert.Error(t, badLogin.Health(ctx))

	srv.Close()
	assert.Error(t, newDriver(t, srv).Health(ctx))
}

func TestIdentitiesOverRoomBackend(t *testing.T) {
	ctx := context.Background()
	srv, _ := newUpstream(t)

	ids := repository.NewIdentities(newDriver(t, srv))
	require.NoError(t, ids.Initialize(ctx))

	user := models.User{
		ID:           "@alice:example.org",
		Username:     "alice",
		PasswordHash: "hash",
		Salt:         "salt",
		Iterations:   1000,
		CreatedAt:    time.Unix(1_700_000_000, 0).UTC(),
	}
	_, err := ids.Users.CreateItem(ctx, user)
	require.NoError(t, err)

	dup := user
	dup.ID = "@alice2:example.org"
	_, err = ids.Users.CreateItem(ctx, dup)
	assert.ErrorIs(t, err, repository.ErrConflict)

	found, err := ids.Users.FindBy(ctx, func(u models.User) bool { return u.Username == "alice" })
	require.NoError(t, err)
	assert.Equal(t, user, found)

	device := models.Device{
		ID:       models.DeviceKey(user.ID, "DEV"),
		DeviceID: "DEV",
		UserID:   user.ID,
	}
	_, err = ids.Devices.CreateItem(ctx, device)
	require.NoError(t, err)
	require.NoError(t, ids.Devices.DeleteItem(ctx, device.ID))
	exists, err := ids.Devices.Exists(ctx, device.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}
