package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/analytics"
)

// AnalyticsSink appends analytics events to a Redis stream for downstream
// consumers to pick up.
type AnalyticsSink struct {
	rdb    *goredis.Client
	stream string
}

func NewAnalyticsSink(rdb *goredis.Client, stream string) *AnalyticsSink {
	return &AnalyticsSink{rdb: rdb, stream: stream}
}

var _ analytics.Sink = (*AnalyticsSink)(nil)

func (s *AnalyticsSink) Append(ctx context.Context, ev analytics.Event) error {
	values := map[string]any{
		"name":    ev.Name,
		"user_id": ev.UserID,
		"at":      ev.At.UnixMilli(),
	}
	if len(ev.Props) > 0 {
		props, err := json.Marshal(ev.Props)
		if err != nil {
			return fmt.Errorf("failed to encode event props: %w", err)
		}
		values["props"] = string(props)
	}

	if err := s.rdb.XAdd(ctx, &goredis.XAddArgs{Stream: s.stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("failed to append analytics event: %w", err)
	}
	return nil
}
