// Package storage chooses the repository driver from the configured
// storage URL.
package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lalith-99/hghs/internal/db"
	"github.com/lalith-99/hghs/internal/matrixclient"
	"github.com/lalith-99/hghs/internal/repository"
	"github.com/lalith-99/hghs/internal/repository/memory"
	"github.com/lalith-99/hghs/internal/repository/postgres"
	"github.com/lalith-99/hghs/internal/repository/room"
	"go.uber.org/zap"
)

// upstreamTimeout bounds each request to an upstream homeserver.
const upstreamTimeout = 30 * time.Second

// Open returns the driver for storageURL:
//
//	memory:                            in-process maps, lost on exit
//	postgres://... or postgresql://... one table in Postgres
//	http(s)://user:pass@host           state events in rooms on a Matrix homeserver
//
// For the room driver an access_token query parameter may replace the
// credentials. Nothing is contacted until the repositories are initialized,
// except Postgres, which is pinged here.
func Open(ctx context.Context, storageURL string, logger *zap.Logger) (repository.Driver, error) {
	u, err := url.Parse(storageURL)
	if err != nil {
		return nil, fmt.Errorf("parse storage URL: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return memory.NewDriver(), nil

	case "postgres", "postgresql":
		database, err := db.New(ctx, storageURL, db.PoolOptions{}, logger)
		if err != nil {
			return nil, err
		}
		return postgres.NewDriver(database), nil

	case "http", "https":
		return openRoomDriver(u, logger)
	}
	return nil, fmt.Errorf("unsupported storage scheme %q", u.Scheme)
}

func openRoomDriver(u *url.URL, logger *zap.Logger) (repository.Driver, error) {
	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	query := u.Query()
	accessToken := query.Get("access_token")
	if username == "" && accessToken == "" {
		return nil, fmt.Errorf("room storage needs user:password@ or access_token")
	}

	base := *u
	base.User = nil
	query.Del("access_token")
	base.RawQuery = query.Encode()

	client, err := matrixclient.New(matrixclient.Config{
		HomeserverURL: base.String(),
		HTTPClient:    &http.Client{Timeout: upstreamTimeout},
		Logger:        logger.Named("matrixclient"),
	})
	if err != nil {
		return nil, err
	}
	if accessToken != "" {
		client.SetAccessToken("", accessToken)
	}

	logger.Info("using room storage", zap.String("homeserver", base.Host), zap.Bool("password_login", username != ""))
	return room.NewDriver(client, username, password, logger), nil
}
