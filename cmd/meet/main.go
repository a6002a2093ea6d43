// Meet is a console client for peer-to-peer video calls and chat.
//
// Both users connect to the same relay, exchange the session id it assigns,
// and one of them places a call. Anything typed that is not a command is
// sent as a chat message to the current correspondent.
//
// Settings come from MEET_* environment variables (optionally from a .env
// file) and can be overridden with flags (-relay, -name, -ring, -debug).
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/meet/internal/app"
	"github.com/1ureka/meet/internal/call"
	"github.com/1ureka/meet/internal/chat"
	"github.com/1ureka/meet/internal/config"
	"github.com/1ureka/meet/internal/engine"
	"github.com/1ureka/meet/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	envFile := flag.String("env", "", "Path to a .env file (default: ./.env if present)")
	relayFlag := flag.String("relay", "", "Relay URL or host (overrides MEET_RELAY_URL)")
	nameFlag := flag.String("name", "", "Display name shown to people you call (overrides MEET_NAME)")
	ringFlag := flag.Duration("ring", -1, "Ring timeout for outgoing calls, 0 rings forever (overrides MEET_RING_TIMEOUT)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := loadConfig(*envFile)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Meet — v%s", version))
	pterm.Println()

	if *relayFlag != "" {
		cfg.RelayURL = *relayFlag
	}
	if *nameFlag != "" {
		cfg.Name = *nameFlag
	}
	if *ringFlag >= 0 {
		cfg.RingTimeout = *ringFlag
	}

	if cfg.RelayURL == "" {
		cfg.RelayURL = askRelayURL()
	} else if cfg.RelayURL, err = config.NormalizeRelayURL(cfg.RelayURL); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if cfg.Name == "" {
		cfg.Name = askName()
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("disconnected")
}

func loadConfig(envFile string) (*config.Client, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}
	return config.LoadClient()
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg *config.Client) error {
	factory, err := engine.NewFactory(cfg.STUNServers)
	if err != nil {
		return fmt.Errorf("failed to set up media engine: %w", err)
	}

	media, err := engine.NewLocalMedia()
	if err != nil {
		return fmt.Errorf("failed to set up local media: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := &console{name: cfg.Name}
	client := app.NewClient(app.Options{
		RelayURL:        cfg.RelayURL,
		Name:            cfg.Name,
		RingTimeout:     cfg.RingTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
		NewEngine:       app.PionEngines(factory),
		Media:           media,
		OnIdentity:      out.identity,
		OnCallState:     out.callState,
		OnChat:          out.chat,
		OnRemoteMedia:   out.remoteMedia,
	})

	util.StartStatsReporter(ctx, cfg.StatsInterval)

	go func() {
		readCommands(ctx, client)
		cancel()
	}()

	return client.Run(ctx)
}

// ---------------------------------------------------------------------------
// Console input
// ---------------------------------------------------------------------------

// readCommands forwards stdin lines to the client until EOF, /quit or ctx ends.
func readCommands(ctx context.Context, client *app.Client) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		if err := readLines(os.Stdin, lines); err != nil {
			util.LogError("failed to read console input: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(ctx, client, line); quit {
				return
			}
		}
	}
}

// readLines sends every line of r, without its line ending, until EOF. Lines
// have no length limit; oversized chat is refused later by the relay client.
func readLines(r io.Reader, lines chan<- string) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			lines <- strings.TrimRight(line, "\r\n")
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// handleLine runs one console command. It returns true when the user quits.
func handleLine(ctx context.Context, client *app.Client, line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		if _, err := client.SendChat(ctx, line); err != nil {
			reportChatError(err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(trimmed, " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch cmd {
	case "/call":
		err = client.PlaceCall(ctx, arg)
	case "/accept":
		err = client.Accept(ctx)
	case "/decline":
		err = client.Decline(ctx)
	case "/leave", "/hangup":
		err = client.Leave(ctx)
	case "/to":
		err = client.SetChatTarget(ctx, arg)
		if err == nil && arg == "" {
			util.LogInfo("chat target cleared, replies go to the last person you talked to")
		}
	case "/status":
		err = printStatus(ctx, client)
	case "/quit", "/exit":
		return true
	case "/help":
		printHelp()
	default:
		util.LogWarning("unknown command %s (try /help)", cmd)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		util.LogWarning("%v", err)
	}
	return false
}

func reportChatError(err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
	case errors.Is(err, chat.ErrNoTarget):
		util.LogWarning("no one to send to: use /to <id> or wait for a message")
	default:
		util.LogWarning("%v", err)
	}
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func printHelp() {
	pterm.DefaultTable.WithData(pterm.TableData{
		{"Command", "Action"},
		{"/call <id>", "Call a session id"},
		{"/accept", "Accept the incoming call"},
		{"/decline", "Decline the incoming call"},
		{"/leave", "Hang up"},
		{"/to <id>", "Send chat to <id> (no id: reply to last)"},
		{"/status", "Show session, call and chat state"},
		{"/quit", "Exit"},
		{"<text>", "Send a chat message"},
	}).WithHasHeader().Render()
}

// console prints client events. Its methods run on the client event loop.
type console struct {
	name string
	self string
}

func (c *console) identity(id string) {
	c.self = id
	pterm.Println()
	pterm.Success.Println("Connected to relay. Share your session id:")
	pterm.Println(pterm.Bold.Sprint(id))
	pterm.Println()
	pterm.Info.Println("Type /help for commands.")
}

func (c *console) callState(s call.State) {
	switch s.Phase {
	case call.IncomingPending:
		who := s.PeerID
		if s.PeerName != "" {
			who = fmt.Sprintf("%s (%s)", s.PeerName, s.PeerID)
		}
		pterm.Warning.Println(fmt.Sprintf("Incoming call from %s: /accept or /decline", who))
	case call.Outgoing:
		pterm.Info.Println(fmt.Sprintf("Ringing %s...", s.PeerID))
	case call.Active:
		pterm.Success.Println(fmt.Sprintf("In call with %s", s.PeerID))
	case call.Ended:
		pterm.Info.Println("Call ended")
	}
}

func (c *console) remoteMedia(s call.Stream) {
	util.LogSuccess("receiving media stream %s", s.StreamID())
}

func (c *console) chat(m chat.Message) {
	ts := pterm.Gray(m.Time.Format(time.TimeOnly))
	if m.Mine(c.self) {
		author := c.name
		if author == "" {
			author = "me"
		}
		pterm.Println(ts + " " + pterm.Cyan(author+" → "+m.TargetID) + ": " + m.Text)
		return
	}
	pterm.Println(ts + " " + pterm.Magenta(m.AuthorID) + ": " + m.Text)
}

func printStatus(ctx context.Context, client *app.Client) error {
	snap, err := client.Snapshot(ctx)
	if err != nil {
		return err
	}

	relay := "connected"
	if !snap.Connected {
		relay = "reconnecting"
	}
	target := snap.ChatTarget
	if target == "" {
		target = "(none)"
	}

	return pterm.DefaultTable.WithData(pterm.TableData{
		{"Session", snap.Self},
		{"Relay", relay},
		{"Call", snap.Call.String()},
		{"Chat target", target},
		{"Messages", fmt.Sprint(len(snap.Messages))},
	}).Render()
}

// ---------------------------------------------------------------------------
// Prompts
// ---------------------------------------------------------------------------

// askRelayURL prompts for the relay address until a valid one is entered.
func askRelayURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. wss://relay.example.com)").
			Show()

		relayURL, err := config.NormalizeRelayURL(raw)
		if err == nil {
			pterm.Println()
			return relayURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

func askName() string {
	name, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Your display name (optional)").
		Show()
	pterm.Println()
	return strings.TrimSpace(name)
}
