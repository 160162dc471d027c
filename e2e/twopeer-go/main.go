// Command twopeer-go is a local end-to-end harness: it boots a callmeshd
// stack on a loopback port, joins two synthetic-media clients to the same
// meeting and waits for their WebRTC links to reach the connected state.
//
// Exit status 0 and a final "PASS" line mean both directions connected.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/collabra/callmesh/internal/client/call"
	"github.com/collabra/callmesh/internal/client/channel"
	"github.com/collabra/callmesh/internal/client/media"
	"github.com/collabra/callmesh/internal/client/peerlink"
	"github.com/collabra/callmesh/internal/config"
	"github.com/collabra/callmesh/internal/directory"
	"github.com/collabra/callmesh/internal/httpserver"
	"github.com/collabra/callmesh/internal/metrics"
	"github.com/collabra/callmesh/internal/room"
	"github.com/collabra/callmesh/internal/signaling"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "FAIL:", err)
		os.Exit(1)
	}
	fmt.Println("PASS")
}

func run() error {
	timeout := envDurationOrDefault("E2E_TIMEOUT", 30*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if os.Getenv("E2E_DEBUG") != "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	baseURL, shutdown, err := startServer(logger)
	if err != nil {
		return err
	}
	defer shutdown()
	fmt.Println("READY", baseURL)

	roomID, err := resolveRoom(ctx, baseURL, "e2e")
	if err != nil {
		return err
	}

	alice, err := joinPeer(ctx, baseURL, roomID, "alice", logger)
	if err != nil {
		return fmt.Errorf("alice join: %w", err)
	}
	defer alice.Leave()

	bob, err := joinPeer(ctx, baseURL, roomID, "bob", logger)
	if err != nil {
		return fmt.Errorf("bob join: %w", err)
	}
	defer bob.Leave()

	if err := waitConnected(ctx, alice, "bob"); err != nil {
		return fmt.Errorf("alice->bob: %w", err)
	}
	if err := waitConnected(ctx, bob, "alice"); err != nil {
		return fmt.Errorf("bob->alice: %w", err)
	}
	return nil
}

func startServer(logger *slog.Logger) (string, func(), error) {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)

	ln, err := net.Listen("tcp", net.JoinHostPort(bindHost, strconv.Itoa(port)))
	if err != nil {
		return "", nil, err
	}

	cfg, err := config.Load(nil)
	if err != nil {
		ln.Close()
		return "", nil, err
	}

	m := metrics.New()
	dir := directory.New(directory.NewMemoryStore(time.Hour))
	registry := room.NewRegistry(cfg.MaxParticipantsPerRoom)
	sig := signaling.NewServer(signaling.Config{
		Registry:  registry,
		Directory: dir,
		Metrics:   m,
		Logger:    logger,
	})
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{}, httpserver.Deps{
		Directory: dir,
		Registry:  registry,
		Signaling: sig,
		Metrics:   m,
	})

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("server exited", "err", err)
		}
	}()

	baseURL := "http://" + ln.Addr().String()
	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return baseURL, shutdown, nil
}

func resolveRoom(ctx context.Context, baseURL, meetingID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/rooms/"+meetingID, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("room lookup: status %s: %s", resp.Status, body)
	}
	var out struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if out.RoomID == "" {
		return "", fmt.Errorf("room lookup returned no room id")
	}
	return out.RoomID, nil
}

func joinPeer(ctx context.Context, baseURL, roomID, id string, logger *slog.Logger) (*call.Call, error) {
	mgr := media.NewManager(&media.SyntheticProvider{}, logger)
	if _, err := mgr.Acquire(ctx, media.KindAudio, media.Constraints{}); err != nil {
		return nil, fmt.Errorf("acquire audio: %w", err)
	}

	api, err := peerlink.NewAPI(peerlink.EngineOptions{})
	if err != nil {
		return nil, err
	}

	ch, err := channel.New(channel.Config{
		BaseURL:       "ws://" + trimScheme(baseURL),
		RoomID:        roomID,
		ParticipantID: id,
		DisplayName:   id,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	if err := ch.Connect(ctx); err != nil {
		return nil, err
	}

	// Loopback only; host candidates are enough, no ICE servers needed.
	factory := call.NewPeerLinkFactory(api, nil, ch, logger,
		func(remoteID string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			logger.Debug("remote track", "self", id, "from", remoteID, "kind", track.Kind().String())
		})

	return call.New(call.Config{Channel: ch, Media: mgr, NewLink: factory, Logger: logger})
}

func waitConnected(ctx context.Context, c *call.Call, remoteID string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.LinkStates()[remoteID] == peerlink.StateConnected {
				return nil
			}
		case <-c.Done():
			if err := c.Err(); err != nil {
				return err
			}
			return fmt.Errorf("call ended before link connected")
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for connected link (state=%s)", c.LinkStates()[remoteID])
		}
	}
}

func trimScheme(baseURL string) string {
	const p = "http://"
	if len(baseURL) > len(p) && baseURL[:len(p)] == p {
		return baseURL[len(p):]
	}
	return baseURL
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
