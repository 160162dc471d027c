package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/collabra/callmesh/internal/client/call"
	"github.com/collabra/callmesh/internal/client/channel"
	"github.com/collabra/callmesh/internal/client/media"
	"github.com/collabra/callmesh/internal/client/peerlink"
)

var (
	flagServer      string
	flagParticipant string
	flagDisplayName string
	flagToken       string
	flagAPIKey      string
	flagListenOnly  bool
	flagNoVideo     bool
	flagVerbose     bool
)

var joinCmd = &cobra.Command{
	Use:   "join <meeting-id>",
	Short: "Join a meeting and connect to every participant",
	Long: `Join resolves the meeting id against the server's directory, fetches the
ICE configuration, dials the signaling room and builds one WebRTC link per
remote participant. Without real capture hardware the published tracks are
synthetic (silence and blank frames); --listen-only publishes nothing.

Examples:
  callmesh join weekly-standup
  callmesh join weekly-standup --server https://mesh.example.com --name Ada
  callmesh join weekly-standup --listen-only`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(args[0])
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagServer, "server", "http://127.0.0.1:8080", "callmeshd base URL")
	joinCmd.Flags().StringVar(&flagParticipant, "id", "", "participant id (defaults to a generated one)")
	joinCmd.Flags().StringVar(&flagDisplayName, "name", "", "display name shown to other participants")
	joinCmd.Flags().StringVar(&flagToken, "token", "", "JWT bearer token (servers running AUTH_MODE=jwt)")
	joinCmd.Flags().StringVar(&flagAPIKey, "api-key", "", "API key (servers running AUTH_MODE=api_key)")
	joinCmd.Flags().BoolVar(&flagListenOnly, "listen-only", false, "join without publishing any tracks")
	joinCmd.Flags().BoolVar(&flagNoVideo, "no-video", false, "publish audio only")
	joinCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(joinCmd)
}

type roomLookup struct {
	MeetingID    string `json:"meeting_id"`
	RoomID       string `json:"room_id"`
	Created      bool   `json:"created"`
	Participants int    `json:"participants"`
	WSPath       string `json:"ws_path"`
}

type iceServerJSON struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

type iceConfig struct {
	ICEServers []iceServerJSON `json:"iceServers"`
	TTL        int64           `json:"ttl"`
}

func runJoin(meetingID string) error {
	base, err := normalizeServerURL(flagServer)
	if err != nil {
		return err
	}
	// JWT-authenticated servers derive the identity from the token instead.
	if flagParticipant == "" && flagToken == "" {
		flagParticipant = uuid.NewString()
	}

	logLevel := slog.LevelWarn
	if flagVerbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	spinner, _ := pterm.DefaultSpinner.Start("Resolving meeting " + meetingID)

	lookup, err := resolveMeeting(ctx, base, meetingID)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.UpdateText("Fetching ICE configuration")

	iceServers, err := fetchICEServers(ctx, base, flagParticipant)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}

	api, err := peerlink.NewAPI(peerlink.EngineOptions{})
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}

	mgr := media.NewManager(&media.SyntheticProvider{}, logger)
	if !flagListenOnly {
		audioErr, videoErr := mgr.AcquireAll(ctx, media.Constraints{}, media.Constraints{})
		if audioErr != nil {
			pterm.Warning.Println("audio unavailable:", audioErr)
		}
		if videoErr != nil && !flagNoVideo {
			pterm.Warning.Println("video unavailable:", videoErr)
		}
		if flagNoVideo {
			if t := mgr.State().VideoTrack; t != nil {
				mgr.Release(media.KindVideo)
			}
		}
	}

	spinner.UpdateText("Joining room " + lookup.RoomID)

	ch, err := channel.New(channel.Config{
		BaseURL:       httpToWS(base),
		RoomID:        lookup.RoomID,
		ParticipantID: flagParticipant,
		DisplayName:   flagDisplayName,
		Token:         flagToken,
		APIKey:        flagAPIKey,
		Logger:        logger,
	})
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	if err := ch.Connect(ctx); err != nil {
		spinner.Fail(err.Error())
		return err
	}

	factory := call.NewPeerLinkFactory(api, iceServers, ch, logger,
		func(remoteID string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			logger.Info("remote track", "from", remoteID, "kind", track.Kind().String())
		})

	c, err := call.New(call.Config{Channel: ch, Media: mgr, NewLink: factory, Logger: logger})
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}

	spinner.Success(fmt.Sprintf("Joined %s (room %s, %d already present)", meetingID, lookup.RoomID, lookup.Participants))

	return watchCall(ctx, c, mgr)
}

// watchCall renders a live roster table until the call ends or the user
// interrupts.
func watchCall(ctx context.Context, c *call.Call, mgr *media.Manager) error {
	area, _ := pterm.DefaultArea.Start()
	defer area.Stop()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			area.Update(renderStatus(c, mgr))
		case <-ctx.Done():
			c.Leave()
			<-c.Done()
			area.Update(renderStatus(c, mgr))
			pterm.Info.Println("left the meeting")
			return nil
		case <-c.Done():
			area.Update(renderStatus(c, mgr))
			if err := c.Err(); err != nil {
				return err
			}
			pterm.Info.Println("call ended")
			return nil
		}
	}
}

func renderStatus(c *call.Call, mgr *media.Manager) string {
	st := mgr.State()
	links := c.LinkStates()

	data := pterm.TableData{{"Participant", "Audio", "Video", "Link"}}
	selfAudio := "muted"
	if st.AudioEnabled {
		selfAudio = "on"
	}
	selfVideo := "off"
	if st.VideoEnabled {
		selfVideo = "on"
	}
	data = append(data, []string{c.SelfID() + " (you)", selfAudio, selfVideo, "-"})

	for _, p := range c.Roster() {
		if p.ID == c.SelfID() {
			continue
		}
		link := "none"
		if s, ok := links[p.ID]; ok {
			link = string(s)
		}
		name := p.ID
		if p.DisplayName != "" {
			name = fmt.Sprintf("%s (%s)", p.DisplayName, p.ID)
		}
		data = append(data, []string{name, onOff(p.AudioEnabled), onOff(p.VideoEnabled), link})
	}

	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return ""
	}
	return out
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func resolveMeeting(ctx context.Context, base, meetingID string) (roomLookup, error) {
	var out roomLookup
	u := base + "/api/rooms/" + url.PathEscape(meetingID)
	if err := getJSON(ctx, u, &out); err != nil {
		return roomLookup{}, fmt.Errorf("resolve meeting: %w", err)
	}
	if out.RoomID == "" {
		return roomLookup{}, fmt.Errorf("resolve meeting: server returned no room id")
	}
	return out, nil
}

func fetchICEServers(ctx context.Context, base, participant string) ([]webrtc.ICEServer, error) {
	u := base + "/api/ice"
	if participant != "" {
		u += "?participant=" + url.QueryEscape(participant)
	}
	var cfg iceConfig
	if err := getJSON(ctx, u, &cfg); err != nil {
		return nil, fmt.Errorf("fetch ice config: %w", err)
	}

	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

func getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.Unmarshal(body, out)
}

func normalizeServerURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid --server %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid --server %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid --server %q: missing host", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

func httpToWS(base string) string {
	if strings.HasPrefix(base, "https://") {
		return "wss://" + strings.TrimPrefix(base, "https://")
	}
	return "ws://" + strings.TrimPrefix(base, "http://")
}
