package bridge

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
)

// Device audio arrives as 16kHz mono PCM and is re-published into the room in
// 10ms frames.
const (
	audioSampleRate = 16000
	audioChannels   = 1
	frameSamples    = audioSampleRate / 100
	audioTrackName  = "speaker"
)

// livekitRoom adapts an SDK room connection to the roomHandle interface.
type livekitRoom struct {
	room *lksdk.Room

	mu    sync.Mutex
	track *lkmedia.PCMLocalTrack
}

func livekitConnector(_ context.Context, cfg Config, _ string, token string, onDisconnect func()) (roomHandle, error) {
	callback := &lksdk.RoomCallback{
		OnDisconnected: onDisconnect,
	}
	room, err := lksdk.ConnectToRoomWithToken(cfg.URL, token, callback, lksdk.WithAutoSubscribe(false))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to room: %w", err)
	}
	return &livekitRoom{room: room}, nil
}

func (r *livekitRoom) Disconnect() {
	r.mu.Lock()
	if r.track != nil {
		r.track.Close()
		r.track = nil
	}
	r.mu.Unlock()
	r.room.Disconnect()
}

// WriteAudio publishes a raw PCM frame onto the speaker track, creating and
// publishing the track lazily on first use.
func (r *livekitRoom) WriteAudio(pcm []byte) error {
	// Drop a trailing odd byte so the int16 conversion stays aligned.
	if len(pcm)%2 == 1 {
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		return nil
	}

	track, err := r.getOrCreateTrack()
	if err != nil {
		return err
	}

	samples := bytesToInt16(pcm)
	for offset := 0; offset < len(samples); offset += frameSamples {
		end := offset + frameSamples
		if end > len(samples) {
			end = len(samples)
		}
		if err := track.WriteSample(samples[offset:end]); err != nil {
			return fmt.Errorf("failed to write audio sample: %w", err)
		}
	}
	return nil
}

func (r *livekitRoom) getOrCreateTrack() (*lkmedia.PCMLocalTrack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.track != nil {
		return r.track, nil
	}

	track, err := lkmedia.NewPCMLocalTrack(audioSampleRate, audioChannels, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create PCM track: %w", err)
	}
	if _, err := r.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name: audioTrackName,
	}); err != nil {
		track.Close()
		return nil, fmt.Errorf("failed to publish track: %w", err)
	}

	// Let WebRTC negotiation settle before the first frame lands; publishing
	// immediately loses roughly the first 100ms of audio.
	time.Sleep(100 * time.Millisecond)

	r.track = track
	return track, nil
}

func livekitProber(ctx context.Context, cfg Config, roomName string) ([]string, error) {
	client := lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret)
	resp, err := client.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: roomName})
	if err != nil {
		return nil, fmt.Errorf("failed to list room participants: %w", err)
	}

	identities := make([]string, 0, len(resp.Participants))
	for _, p := range resp.Participants {
		identities = append(identities, p.Identity)
	}
	return identities, nil
}

func livekitMintToken(cfg Config, roomName, identity string, ttl time.Duration) (string, error) {
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     roomName,
	}
	token, err := auth.NewAccessToken(cfg.APIKey, cfg.APISecret).
		SetIdentity(identity).
		SetValidFor(ttl).
		SetVideoGrant(grant).
		ToJWT()
	if err != nil {
		return "", fmt.Errorf("failed to mint room credential for %s: %w", identity, err)
	}
	return token, nil
}

func bytesToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}
