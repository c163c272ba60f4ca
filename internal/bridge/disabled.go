package bridge

import (
	"context"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/apperrors"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/domain"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/protocol"
)

// Disabled is the MediaBridge used when no LiveKit deployment is configured.
// Devices requesting the bridge proceed without media transport.
type Disabled struct{}

var _ domain.MediaBridge = Disabled{}

func (Disabled) HandleBridgeInit(context.Context) *protocol.BridgeGrant { return nil }

func (Disabled) Status() *domain.BridgeStatus { return nil }

func (Disabled) Rejoin(context.Context) (*protocol.BridgeGrant, error) { return nil, nil }

func (Disabled) RoomStatus(context.Context) (*domain.RoomStatus, error) {
	return nil, apperrors.Bridge("media bridge is not configured", nil)
}

func (Disabled) PublishAudio([]byte) error {
	return apperrors.Bridge("media bridge is not configured", nil)
}

func (Disabled) Close() {}
