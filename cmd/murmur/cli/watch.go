package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/felixgeelhaar/murmur/internal/transport"
	"github.com/felixgeelhaar/murmur/internal/ui"
	"github.com/felixgeelhaar/murmur/internal/ui/tui"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	watchServer  string
	watchToken   string
	watchHistory int
	watchPlain   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [room-id]",
	Short: "Follow a room's event stream in the terminal",
	Long: `watch connects to a room's websocket and renders events as they change.
With --plain each frame is printed as a line and lines typed on stdin are sent
to the room as user messages.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := WatchOptions{
			Server:  watchServer,
			Room:    args[0],
			Token:   watchToken,
			History: watchHistory,
		}
		if opts.Token == "" {
			return errors.New("--token is required")
		}

		if watchPlain {
			return Watch(cmd.Context(), opts, &ui.Printer{W: cmd.OutOrStdout()}, cmd.InOrStdin())
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		program := tea.NewProgram(tui.NewModel(opts.Room), tea.WithAltScreen())
		u := tui.NewTUI(program)
		go func() {
			if err := Watch(ctx, opts, u, nil); err != nil {
				u.UpdateStatus("Disconnected: " + err.Error())
				return
			}
			u.UpdateStatus("Disconnected")
		}()

		_, err := program.Run()
		return err
	},
}

func init() {
	RootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVarP(&watchServer, "server", "s", "http://localhost:8080", "Server base URL")
	watchCmd.Flags().StringVarP(&watchToken, "token", "t", "", "Session token")
	watchCmd.Flags().IntVar(&watchHistory, "history", 50, "Number of past events to load first")
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "Print frames as lines instead of the TUI")
}

// WatchOptions names the room to follow.
type WatchOptions struct {
	Server  string
	Room    string
	Token   string
	History int
}

// Watch replays recent history into u, then forwards live frames until ctx
// is done or the server closes the socket. Lines read from in, if given,
// are posted to the room.
func Watch(ctx context.Context, opts WatchOptions, u ui.UI, in io.Reader) error {
	base, err := url.Parse(opts.Server)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	u.UpdateStatus("Connecting...")

	if opts.History > 0 {
		if err := replay(ctx, base, opts, u); err != nil {
			return err
		}
	}

	wsURL := *base
	switch base.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimSuffix(base.Path, "/") + "/api/rooms/" + url.PathEscape(opts.Room) + "/ws"

	header := http.Header{}
	header.Set(transport.TokenHeader, opts.Token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect to room %s: %s", opts.Room, resp.Status)
		}
		return fmt.Errorf("connect to room %s: %w", opts.Room, err)
	}
	defer conn.Close()
	u.UpdateStatus("Connected")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if in != nil {
		go post(conn, in, u)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		u.Apply(data)
	}
}

// post sends every non-blank line of in as a message. It is the only
// writer on conn.
func post(conn *websocket.Conn, in io.Reader, u ui.UI) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := conn.WriteJSON(map[string]string{"content": line}); err != nil {
			u.Log("send failed: " + err.Error())
			return
		}
	}
}

// replay loads the newest events and applies them oldest first.
func replay(ctx context.Context, base *url.URL, opts WatchOptions, u ui.UI) error {
	endpoint := *base
	endpoint.Path = strings.TrimSuffix(base.Path, "/") + "/api/rooms/" + url.PathEscape(opts.Room) + "/events"
	endpoint.RawQuery = url.Values{"limit": {fmt.Sprint(opts.History)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set(transport.TokenHeader, opts.Token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Data    struct {
			Events []json.RawMessage `json:"events"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}
	if !body.Success {
		return fmt.Errorf("load history: %s (%s)", body.Message, resp.Status)
	}
	for i := len(body.Data.Events) - 1; i >= 0; i-- {
		u.Apply(body.Data.Events[i])
	}
	return nil
}
