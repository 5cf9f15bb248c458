package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/lalith-99/hghs/internal/auth"
	"github.com/lalith-99/hghs/internal/matrix"
	"github.com/lalith-99/hghs/internal/models"
	"github.com/lalith-99/hghs/internal/nonce"
	"github.com/lalith-99/hghs/internal/repository"
	"go.uber.org/zap"
)

// Caller is the authenticated (user, device) behind a request.
type Caller struct {
	UserID   string
	DeviceID string
}

type NonceResponse struct {
	Nonce string `json:"nonce"`
}

type AdminRegisterRequest struct {
	Nonce       string `json:"nonce" binding:"required"`
	Username    string `json:"username" binding:"required"`
	DisplayName string `json:"displayname,omitempty"`
	Password    string `json:"password" binding:"required"`
	Admin       bool   `json:"admin"`
	UserType    string `json:"user_type,omitempty"`
	MAC         string `json:"mac" binding:"required"`
}

type RegisterResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token,omitempty"`
	HomeServer  string `json:"home_server"`
	DeviceID    string `json:"device_id,omitempty"`
}

type UserRegisterRequest struct {
	Username                 string `json:"username"`
	Password                 string `json:"password"`
	DeviceID                 string `json:"device_id,omitempty"`
	InitialDeviceDisplayName string `json:"initial_device_display_name,omitempty"`
	InhibitLogin             bool   `json:"inhibit_login,omitempty"`
}

type UserIdentifier struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

type LoginRequest struct {
	Type                     string          `json:"type" binding:"required"`
	Identifier               *UserIdentifier `json:"identifier,omitempty"`
	User                     string          `json:"user,omitempty"`
	Password                 string          `json:"password" binding:"required"`
	DeviceID                 string          `json:"device_id,omitempty"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
}

type LoginResponse struct {
	UserID      string     `json:"user_id"`
	AccessToken string     `json:"access_token"`
	HomeServer  string     `json:"home_server"`
	DeviceID    string     `json:"device_id"`
	WellKnown   *WellKnown `json:"well_known,omitempty"`
}

type WellKnown struct {
	HomeServer     BaseURL  `json:"m.homeserver"`
	IdentityServer *BaseURL `json:"m.identity_server,omitempty"`
}

type BaseURL struct {
	BaseURL string `json:"base_url"`
}

type WhoAmIResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	IsGuest  bool   `json:"is_guest"`
}

// InitialUser is one entry of the seed list applied at startup.
type InitialUser struct {
	Username string
	Password string
}

// CreateAdminRegisterNonce issues a single-use nonce for the admin
// registration endpoint.
func (s *Service) CreateAdminRegisterNonce(ctx context.Context) (NonceResponse, error) {
	n, err := nonce.Generate()
	if err != nil {
		return NonceResponse{}, err
	}
	if err := s.nonces.Issue(ctx, n, s.cfg.NonceTTL); err != nil {
		return NonceResponse{}, fmt.Errorf("issue nonce: %w", err)
	}
	return NonceResponse{Nonce: n}, nil
}

// RegisterAdmin is the Synapse shared-secret registration. The nonce is
// consumed before the MAC is checked, so it is spent whatever the outcome.
func (s *Service) RegisterAdmin(ctx context.Context, req AdminRegisterRequest) (RegisterResponse, error) {
	if s.cfg.RegistrationSharedSecret == "" {
		return RegisterResponse{}, matrix.BadRequest(matrix.CodeUnknown, "Shared secret registration is not enabled")
	}

	ok, err := s.nonces.Consume(ctx, req.Nonce)
	if err != nil {
		return RegisterResponse{}, fmt.Errorf("consume nonce: %w", err)
	}
	if !ok {
		return RegisterResponse{}, matrix.BadRequest(matrix.CodeUnknown, "unrecognised nonce")
	}

	want := s.credentials.ComputeRegistrationMAC(
		s.cfg.RegistrationSharedSecret,
		req.Nonce, req.Username, req.Password, req.Admin,
		auth.SynapseMACSeparator, req.UserType,
	)
	if !auth.EqualMAC(want, req.MAC) {
		s.logger.Warn("admin registration with bad MAC", zap.String("username", req.Username))
		return RegisterResponse{}, matrix.Forbidden("HMAC incorrect")
	}

	user, err := s.createUser(ctx, req.Username, req.Password, req.DisplayName, req.Admin, req.UserType)
	if err != nil {
		return RegisterResponse{}, err
	}

	token, device, err := s.loginDevice(ctx, user, "", "")
	if err != nil {
		return RegisterResponse{}, err
	}
	return RegisterResponse{
		UserID:      user.ID,
		AccessToken: token,
		HomeServer:  s.cfg.ServerName,
		DeviceID:    device.DeviceID,
	}, nil
}

// RegisterUser serves POST /register. Only kind "user" is supported and
// only when open registration is enabled.
func (s *Service) RegisterUser(ctx context.Context, kind string, req UserRegisterRequest) (RegisterResponse, error) {
	switch kind {
	case "", "user":
	case "guest":
		return RegisterResponse{}, matrix.NewError(http.StatusForbidden, matrix.CodeGuestAccessForbidden, "Guest access is disabled")
	default:
		return RegisterResponse{}, matrix.BadRequest(matrix.CodeInvalidParam, "Invalid registration kind %q", kind)
	}
	if !s.cfg.EnableRegistration {
		return RegisterResponse{}, matrix.Forbidden("Registration has been disabled")
	}
	if req.Username == "" {
		return RegisterResponse{}, matrix.BadRequest(matrix.CodeMissingParam, "Missing username")
	}
	if req.Password == "" {
		return RegisterResponse{}, matrix.BadRequest(matrix.CodeMissingParam, "Missing password")
	}

	user, err := s.createUser(ctx, req.Username, req.Password, "", false, "")
	if err != nil {
		return RegisterResponse{}, err
	}
	resp := RegisterResponse{UserID: user.ID, HomeServer: s.cfg.ServerName}
	if req.InhibitLogin {
		return resp, nil
	}

	token, device, err := s.loginDevice(ctx, user, req.DeviceID, req.InitialDeviceDisplayName)
	if err != nil {
		return RegisterResponse{}, err
	}
	resp.AccessToken = token
	resp.DeviceID = device.DeviceID
	return resp, nil
}

// CreateUser creates a local account without logging in.
func (s *Service) CreateUser(ctx context.Context, username, password string) (models.User, error) {
	return s.createUser(ctx, username, password, "", false, "")
}

// EnsureUsers creates the seed accounts, skipping those that already exist.
func (s *Service) EnsureUsers(ctx context.Context, users []InitialUser) error {
	for _, u := range users {
		_, err := s.createUser(ctx, u.Username, u.Password, "", false, "")
		if matrix.IsCode(err, matrix.CodeUserInUse) {
			s.logger.Info("initial user already exists", zap.String("username", u.Username))
			continue
		}
		if err != nil {
			return fmt.Errorf("initial user %q: %w", u.Username, err)
		}
	}
	return nil
}

func (s *Service) createUser(ctx context.Context, username, password, displayName string, admin bool, userType string) (models.User, error) {
	userID, err := matrix.NewUserID(username, s.cfg.ServerName)
	if err != nil {
		return models.User{}, matrix.BadRequest(matrix.CodeInvalidUsername, "Invalid username: %v", err)
	}
	if password == "" {
		return models.User{}, matrix.BadRequest(matrix.CodeMissingParam, "Missing password")
	}

	salt, err := s.credentials.CreateSalt()
	if err != nil {
		return models.User{}, err
	}
	user := models.User{
		ID:           userID.String(),
		Username:     username,
		DisplayName:  displayName,
		Salt:         salt,
		Iterations:   s.cfg.PasswordIterations,
		PasswordHash: s.credentials.HashPassword(password, salt, s.cfg.PasswordIterations),
		Admin:        admin,
		UserType:     userType,
		CreatedAt:    s.clock.Now().UTC(),
	}

	created, err := s.repos.Users.CreateItem(ctx, user)
	if errors.Is(err, repository.ErrConflict) {
		return models.User{}, matrix.BadRequest(matrix.CodeUserInUse, "User ID already taken.")
	}
	if err != nil {
		return models.User{}, fmt.Errorf("create user: %w", err)
	}

	s.logger.Info("user created", zap.String("user_id", created.ID), zap.Bool("admin", admin))
	return created, nil
}

// LoginWithPassword checks the credentials and issues a token for the
// requested device, creating the device when needed. Unknown users and
// wrong passwords get the same 403.
func (s *Service) LoginWithPassword(ctx context.Context, req LoginRequest) (LoginResponse, error) {
	if req.Type != matrix.LoginTypePassword {
		return LoginResponse{}, matrix.BadRequest(matrix.CodeUnknown, "Only type %s supported", matrix.LoginTypePassword)
	}
	if req.Identifier != nil && req.Identifier.Type != matrix.IdentifierTypeUser {
		return LoginResponse{}, matrix.BadRequest(matrix.CodeUnknown, "Only identifier type %s supported", matrix.IdentifierTypeUser)
	}
	name := req.User
	if name == "" && req.Identifier != nil {
		name = req.Identifier.User
	}
	if name == "" || req.Password == "" {
		return LoginResponse{}, matrix.BadRequest(matrix.CodeUnknown, "User or password property not defined")
	}

	denied := matrix.Forbidden("Invalid username or password")

	username, ok := s.localpartOf(name)
	if !ok {
		return LoginResponse{}, denied
	}
	user, err := s.repos.Users.FindBy(ctx, func(u models.User) bool { return u.Username == username })
	if errors.Is(err, repository.ErrNotFound) {
		return LoginResponse{}, denied
	}
	if err != nil {
		return LoginResponse{}, fmt.Errorf("find user: %w", err)
	}
	if !s.credentials.VerifyPassword(req.Password, user.PasswordHash, user.Salt, user.Iterations) {
		s.logger.Info("login failed", zap.String("user_id", user.ID))
		return LoginResponse{}, denied
	}

	token, device, err := s.loginDevice(ctx, user, req.DeviceID, req.InitialDeviceDisplayName)
	if err != nil {
		return LoginResponse{}, err
	}

	resp := LoginResponse{
		UserID:      user.ID,
		AccessToken: token,
		HomeServer:  s.cfg.ServerName,
		DeviceID:    device.DeviceID,
	}
	if s.cfg.PublicURL != "" {
		resp.WellKnown = &WellKnown{HomeServer: BaseURL{BaseURL: s.cfg.PublicURL}}
	}
	return resp, nil
}

// localpartOf accepts "alice" or "@alice:<our server>".
func (s *Service) localpartOf(name string) (string, bool) {
	if !strings.HasPrefix(name, "@") {
		return name, true
	}
	id, err := matrix.ParseUserID(name)
	if err != nil || id.Server() != s.cfg.ServerName {
		return "", false
	}
	return id.Localpart(), true
}

// loginDevice issues a token for deviceID (generated when empty), creating
// the device or replacing its current token reference.
func (s *Service) loginDevice(ctx context.Context, user models.User, deviceID, displayName string) (string, models.Device, error) {
	if deviceID == "" {
		deviceID = newDeviceID()
	}

	token, identity, err := s.tokens.CreateToken(user.ID, deviceID)
	if err != nil {
		return "", models.Device{}, fmt.Errorf("create token: %w", err)
	}

	key := models.DeviceKey(user.ID, deviceID)
	unlock := s.deviceLocks.Lock(key)
	defer unlock()

	device, err := s.repos.Devices.FindByID(ctx, key)
	switch {
	case err == nil:
		device.AccessTokenRef = identity.TokenID
		if displayName != "" {
			device.DisplayName = displayName
		}
		device, err = s.repos.Devices.UpdateItem(ctx, device)
	case errors.Is(err, repository.ErrNotFound):
		device, err = s.repos.Devices.CreateItem(ctx, models.Device{
			ID:             key,
			DeviceID:       deviceID,
			UserID:         user.ID,
			DisplayName:    displayName,
			AccessTokenRef: identity.TokenID,
			CreatedAt:      s.clock.Now().UTC(),
		})
	}
	if err != nil {
		return "", models.Device{}, fmt.Errorf("store device: %w", err)
	}

	s.logger.Info("device logged in",
		zap.String("user_id", user.ID),
		zap.String("device_id", deviceID),
	)
	return token, device, nil
}

func newDeviceID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

// Authenticate resolves an access token to its caller. Every failure,
// including a token whose device was deleted or re-issued, is reported as
// M_UNKNOWN_TOKEN; the reason only goes to the debug log.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Caller, error) {
	if accessToken == "" {
		return Caller{}, matrix.UnknownToken()
	}
	identity, err := s.tokens.VerifyToken(accessToken)
	if err != nil {
		s.logger.Debug("access token rejected", zap.Error(err))
		return Caller{}, matrix.UnknownToken()
	}

	device, err := s.repos.Devices.FindByID(ctx, models.DeviceKey(identity.UserID, identity.DeviceID))
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Debug("access token for unknown device", zap.String("user_id", identity.UserID), zap.String("device_id", identity.DeviceID))
		return Caller{}, matrix.UnknownToken()
	}
	if err != nil {
		return Caller{}, fmt.Errorf("find device: %w", err)
	}
	if device.AccessTokenRef != identity.TokenID {
		s.logger.Debug("access token superseded", zap.String("user_id", identity.UserID), zap.String("device_id", identity.DeviceID))
		return Caller{}, matrix.UnknownToken()
	}

	exists, err := s.repos.Users.Exists(ctx, identity.UserID)
	if err != nil {
		return Caller{}, fmt.Errorf("find user: %w", err)
	}
	if !exists {
		s.logger.Debug("access token for unknown user", zap.String("user_id", identity.UserID))
		return Caller{}, matrix.UnknownToken()
	}
	return Caller{UserID: identity.UserID, DeviceID: identity.DeviceID}, nil
}

func (s *Service) WhoAmI(ctx context.Context, accessToken string) (WhoAmIResponse, error) {
	caller, err := s.Authenticate(ctx, accessToken)
	if err != nil {
		return WhoAmIResponse{}, err
	}
	return WhoAmIResponse{UserID: caller.UserID, DeviceID: caller.DeviceID, IsGuest: false}, nil
}

// Logout deletes the caller's device, which invalidates its token.
func (s *Service) Logout(ctx context.Context, caller Caller) error {
	key := models.DeviceKey(caller.UserID, caller.DeviceID)
	unlock := s.deviceLocks.Lock(key)
	defer unlock()

	err := s.repos.Devices.DeleteItem(ctx, key)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("delete device: %w", err)
	}
	s.logger.Info("device logged out", zap.String("user_id", caller.UserID), zap.String("device_id", caller.DeviceID))
	return nil
}
