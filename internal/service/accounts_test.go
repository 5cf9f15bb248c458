package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lalith-99/hghs/internal/auth"
	"github.com/lalith-99/hghs/internal/matrix"
	"github.com/lalith-99/hghs/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adminRequest(t *testing.T, h *harness, username, password string, admin bool) AdminRegisterRequest {
	t.Helper()
	n, err := h.svc.CreateAdminRegisterNonce(context.Background())
	require.NoError(t, err)
	require.Len(t, n.Nonce, 32)
	return AdminRegisterRequest{
		Nonce:    n.Nonce,
		Username: username,
		Password: password,
		Admin:    admin,
		MAC: auth.NewCredentialService().ComputeRegistrationMAC(
			testSecret, n.Nonce, username, password, admin, auth.SynapseMACSeparator),
	}
}

func TestRegisterAdmin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	resp, err := h.svc.RegisterAdmin(ctx, adminRequest(t, h, "root", "hunter2", true))
	require.NoError(t, err)
	assert.Equal(t, "@root:example.org", resp.UserID)
	assert.Equal(t, testServer, resp.HomeServer)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.DeviceID)

	user, err := h.repos.Users.FindByID(ctx, resp.UserID)
	require.NoError(t, err)
	assert.True(t, user.Admin)
	assert.NotContains(t, user.PasswordHash, "hunter2")

	caller, err := h.svc.Authenticate(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, Caller{UserID: resp.UserID, DeviceID: resp.DeviceID}, caller)
}

func TestRegisterAdminNonceIsSingleUse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	req := adminRequest(t, h, "root", "hunter2", false)
	_, err := h.svc.RegisterAdmin(ctx, req)
	require.NoError(t, err)

	req.Username = "other"
	_, err = h.svc.RegisterAdmin(ctx, req)
	requireCode(t, err, http.StatusBadRequest, matrix.CodeUnknown)
}

func TestRegisterAdminNonceExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.NonceTTL = time.Minute })

	req := adminRequest(t, h, "root", "hunter2", false)
	h.clock.Advance(2 * time.Minute)
	_, err := h.svc.RegisterAdmin(ctx, req)
	requireCode(t, err, http.StatusBadRequest, matrix.CodeUnknown)
}

func TestRegisterAdminBadMACSpendsNonce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	req := adminRequest(t, h, "root", "hunter2", false)
	good := req.MAC
	req.MAC = "0000000000000000000000000000000000000000"
	_, err := h.svc.RegisterAdmin(ctx, req)
	requireCode(t, err, http.StatusForbidden, matrix.CodeForbidden)

	req.MAC = good
	_, err = h.svc.RegisterAdmin(ctx, req)
	requireCode(t, err, http.StatusBadRequest, matrix.CodeUnknown)

	exists, err := h.repos.Users.Exists(ctx, "@root:example.org")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRegisterAdminAdminFlagIsSigned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	req := adminRequest(t, h, "root", "hunter2", false)
	req.Admin = true
	_, err := h.svc.RegisterAdmin(ctx, req)
	requireCode(t, err, http.StatusForbidden, matrix.CodeForbidden)
}

func TestRegisterAdminDisabledWithoutSecret(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RegistrationSharedSecret = "" })
	_, err := h.svc.RegisterAdmin(context.Background(), AdminRegisterRequest{Nonce: "n", Username: "root", Password: "pw"})
	requireCode(t, err, http.StatusBadRequest, matrix.CodeUnknown)
}

func TestRegisterUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	resp, err := h.svc.RegisterUser(ctx, "user", UserRegisterRequest{Username: "alice", Password: "pw", DeviceID: "PHONE"})
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", resp.UserID)
	assert.Equal(t, "PHONE", resp.DeviceID)
	assert.NotEmpty(t, resp.AccessToken)

	resp, err = h.svc.RegisterUser(ctx, "", UserRegisterRequest{Username: "bob", Password: "pw", InhibitLogin: true})
	require.NoError(t, err)
	assert.Empty(t, resp.AccessToken)
	assert.Empty(t, resp.DeviceID)

	_, err = h.svc.RegisterUser(ctx, "guest", UserRegisterRequest{})
	requireCode(t, err, http.StatusForbidden, matrix.CodeGuestAccessForbidden)

	_, err = h.svc.RegisterUser(ctx, "robot", UserRegisterRequest{})
	requireCode(t, err, http.StatusBadRequest, matrix.CodeInvalidParam)

	_, err = h.svc.RegisterUser(ctx, "user", UserRegisterRequest{Password: "pw"})
	requireCode(t, err, http.StatusBadRequest, matrix.CodeMissingParam)

	_, err = h.svc.RegisterUser(ctx, "user", UserRegisterRequest{Username: "Not Valid", Password: "pw"})
	requireCode(t, err, http.StatusBadRequest, matrix.CodeInvalidUsername)
}

func TestRegisterUserDisabled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.EnableRegistration = false })
	_, err := h.svc.RegisterUser(context.Background(), "user", UserRegisterRequest{Username: "alice", Password: "pw"})
	requireCode(t, err, http.StatusForbidden, matrix.CodeForbidden)
}

func TestDuplicateUsername(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.CreateUser(ctx, "alice", "pw")
	require.NoError(t, err)
	_, err = h.svc.CreateUser(ctx, "alice", "other")
	requireCode(t, err, http.StatusBadRequest, matrix.CodeUserInUse)
}

func TestDuplicateUsernameConcurrent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		inUse     atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.CreateUser(ctx, "carol", "pw")
			switch {
			case err == nil:
				successes.Add(1)
			case matrix.IsCode(err, matrix.CodeUserInUse):
				inUse.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(15), inUse.Load())
}

func TestEnsureUsersIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	seed := []InitialUser{{Username: "alice", Password: "a:b"}, {Username: "bob", Password: "pw"}}

	require.NoError(t, h.svc.EnsureUsers(ctx, seed))
	require.NoError(t, h.svc.EnsureUsers(ctx, seed))

	users, err := h.repos.Users.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	_, err = h.svc.LoginWithPassword(ctx, LoginRequest{Type: matrix.LoginTypePassword, User: "alice", Password: "a:b"})
	assert.NoError(t, err)

	err = h.svc.EnsureUsers(ctx, []InitialUser{{Username: "Bad Name", Password: "pw"}})
	assert.Error(t, err)
}

func TestLoginWithPassword(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.svc.CreateUser(ctx, "alice", "secret")
	require.NoError(t, err)

	resp, err := h.svc.LoginWithPassword(ctx, LoginRequest{
		Type:       matrix.LoginTypePassword,
		Identifier: &UserIdentifier{Type: matrix.IdentifierTypeUser, User: "@alice:example.org"},
		Password:   "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", resp.UserID)
	assert.Equal(t, testServer, resp.HomeServer)
	require.NotNil(t, resp.WellKnown)
	assert.Equal(t, "https://matrix.example.org", resp.WellKnown.HomeServer.BaseURL)

	who, err := h.svc.WhoAmI(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, WhoAmIResponse{UserID: resp.UserID, DeviceID: resp.DeviceID}, who)
}

func TestLoginRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.svc.CreateUser(ctx, "alice", "secret")
	require.NoError(t, err)

	tests := []struct {
		name   string
		req    LoginRequest
		status int
		code   matrix.ErrorCode
	}{
		{"unsupported type", LoginRequest{Type: "m.login.token", User: "alice", Password: "secret"}, http.StatusBadRequest, matrix.CodeUnknown},
		{"unsupported identifier", LoginRequest{Type: matrix.LoginTypePassword, Identifier: &UserIdentifier{Type: "m.id.phone"}, Password: "secret"}, http.StatusBadRequest, matrix.CodeUnknown},
		{"missing user", LoginRequest{Type: matrix.LoginTypePassword, Password: "secret"}, http.StatusBadRequest, matrix.CodeUnknown},
		{"missing password", LoginRequest{Type: matrix.LoginTypePassword, User: "alice"}, http.StatusBadRequest, matrix.CodeUnknown},
		{"wrong password", LoginRequest{Type: matrix.LoginTypePassword, User: "alice", Password: "nope"}, http.StatusForbidden, matrix.CodeForbidden},
		{"unknown user", LoginRequest{Type: matrix.LoginTypePassword, User: "bob", Password: "secret"}, http.StatusForbidden, matrix.CodeForbidden},
		{"other server", LoginRequest{Type: matrix.LoginTypePassword, User: "@alice:elsewhere.org", Password: "secret"}, http.StatusForbidden, matrix.CodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.LoginWithPassword(ctx, tt.req)
			requireCode(t, err, tt.status, tt.code)
		})
	}
}

func TestLoginSameDeviceRotatesToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.svc.CreateUser(ctx, "alice", "secret")
	require.NoError(t, err)
	req := LoginRequest{Type: matrix.LoginTypePassword, User: "alice", Password: "secret", DeviceID: "LAPTOP"}

	first, err := h.svc.LoginWithPassword(ctx, req)
	require.NoError(t, err)
	second, err := h.svc.LoginWithPassword(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "LAPTOP", second.DeviceID)

	_, err = h.svc.Authenticate(ctx, first.AccessToken)
	requireCode(t, err, http.StatusUnauthorized, matrix.CodeUnknownToken)
	_, err = h.svc.Authenticate(ctx, second.AccessToken)
	assert.NoError(t, err)

	devices, err := h.repos.Devices.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestLoginSameDeviceConcurrent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user, err := h.svc.CreateUser(ctx, "dave", "pw")
	require.NoError(t, err)

	const workers, rounds = 8, 50
	var (
		wg     sync.WaitGroup
		failed atomic.Int32
		tokens sync.Map
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				token, _, err := h.svc.loginDevice(ctx, user, fmt.Sprintf("D%d", r), "")
				if err != nil {
					failed.Add(1)
					continue
				}
				tokens.Store(token, r)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, failed.Load())

	devices, err := h.repos.Devices.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, rounds)

	// Exactly one token per device survives the race.
	live := make(map[string]int)
	tokens.Range(func(key, _ any) bool {
		if caller, err := h.svc.Authenticate(ctx, key.(string)); err == nil {
			live[caller.DeviceID]++
		}
		return true
	})
	assert.Len(t, live, rounds)
	for device, n := range live {
		assert.Equal(t, 1, n, device)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, "alice")

	for _, token := range []string{"", "garbage", "a.b.c"} {
		_, err := h.svc.Authenticate(ctx, token)
		requireCode(t, err, http.StatusUnauthorized, matrix.CodeUnknownToken)
	}

	// A correctly signed token for a device that was never stored.
	token, _, err := h.tokens.CreateToken(alice.UserID, "GHOST")
	require.NoError(t, err)
	_, err = h.svc.Authenticate(ctx, token)
	requireCode(t, err, http.StatusUnauthorized, matrix.CodeUnknownToken)
}

func TestAuthenticateExpiredToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.svc.CreateUser(ctx, "alice", "secret")
	require.NoError(t, err)
	resp, err := h.svc.LoginWithPassword(ctx, LoginRequest{Type: matrix.LoginTypePassword, User: "alice", Password: "secret"})
	require.NoError(t, err)

	h.clock.Advance(61 * time.Minute)
	_, err = h.svc.Authenticate(ctx, resp.AccessToken)
	requireCode(t, err, http.StatusUnauthorized, matrix.CodeUnknownToken)
}

func TestLogoutRevokesToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.svc.CreateUser(ctx, "alice", "secret")
	require.NoError(t, err)
	resp, err := h.svc.LoginWithPassword(ctx, LoginRequest{Type: matrix.LoginTypePassword, User: "alice", Password: "secret"})
	require.NoError(t, err)

	caller, err := h.svc.Authenticate(ctx, resp.AccessToken)
	require.NoError(t, err)
	require.NoError(t, h.svc.Logout(ctx, caller))
	require.NoError(t, h.svc.Logout(ctx, caller))

	_, err = h.svc.Authenticate(ctx, resp.AccessToken)
	requireCode(t, err, http.StatusUnauthorized, matrix.CodeUnknownToken)

	_, err = h.repos.Devices.FindByID(ctx, models.DeviceKey(caller.UserID, caller.DeviceID))
	assert.Error(t, err)
}
