package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/domain"
)

// AppStore persists each user's normally-running app set as a Redis set. The
// set survives session disposal: a brand-new session re-launches these apps on
// its first handshake.
type AppStore struct {
	rdb *goredis.Client
}

func NewAppStore(rdb *goredis.Client) *AppStore {
	return &AppStore{rdb: rdb}
}

var _ domain.AppStore = (*AppStore)(nil)

func runningAppsKey(userID string) string {
	return "user:" + userID + ":running_apps"
}

func (s *AppStore) PreviouslyRunningApps(ctx context.Context, userID string) ([]string, error) {
	pkgs, err := s.rdb.SMembers(ctx, runningAppsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read running apps for %s: %w", userID, err)
	}
	return pkgs, nil
}

func (s *AppStore) AddRunningApp(ctx context.Context, userID, packageName string) error {
	if err := s.rdb.SAdd(ctx, runningAppsKey(userID), packageName).Err(); err != nil {
		return fmt.Errorf("failed to record running app %s: %w", packageName, err)
	}
	return nil
}

func (s *AppStore) RemoveRunningApp(ctx context.Context, userID, packageName string) error {
	if err := s.rdb.SRem(ctx, runningAppsKey(userID), packageName).Err(); err != nil {
		return fmt.Errorf("failed to remove running app %s: %w", packageName, err)
	}
	return nil
}
