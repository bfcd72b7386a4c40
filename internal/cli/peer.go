package cli

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/canvassync/internal/config"
	"github.com/roach88/canvassync/internal/conn"
	"github.com/roach88/canvassync/internal/engine"
	"github.com/roach88/canvassync/internal/ir"
)

// PeerOptions holds flags for the peer command.
type PeerOptions struct {
	*RootOptions
	URL         string
	Participant string
	Name        string
	Color       string
	Seed        string
	Document    string
	Insert      string
	SyncTimeout time.Duration
	Wait        time.Duration
}

// PeerResult is what the peer command prints.
type PeerResult struct {
	SessionID    string   `json:"session_id"`
	Participant  string   `json:"participant"`
	Content      string   `json:"content"`
	Participants []string `json:"participants"`
	Operations   int      `json:"operations"`
}

// NewPeerCommand creates the peer command.
func NewPeerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PeerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "peer <session-id>",
		Short: "Join a session as a participant",
		Long: `Connect to a relay as one participant of a session.

Without --seed the peer requests the session state from the relay and
waits up to --sync-timeout for it. With --seed the peer creates the
session locally with the given content and shares it, seeding a relay
that does not know the session yet.

--insert appends text at the end of the document. The peer then listens
for --wait, prints the content it ends up with and disconnects.

Examples:
  canvassync peer s-1 --seed "Hello"
  canvassync peer s-1 --insert " world" --wait 2s
  canvassync peer s-1 --url ws://relay:8090 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("url") {
				cfg.Client.URL = opts.URL
				if err := cfg.Validate(); err != nil {
					return WrapExitError(ExitCommandError, "invalid --url", err)
				}
			}
			return runPeer(cmd, opts, cfg, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "relay base URL (default from config)")
	cmd.Flags().StringVar(&opts.Participant, "participant", "", "participant id (default cli-<random>)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Color, "color", "#64748b", "cursor color")
	cmd.Flags().StringVar(&opts.Seed, "seed", "", "create the session locally with this content and share it")
	cmd.Flags().StringVar(&opts.Document, "document", "", "document id for --seed (default the session id)")
	cmd.Flags().StringVar(&opts.Insert, "insert", "", "text to append after syncing")
	cmd.Flags().DurationVar(&opts.SyncTimeout, "sync-timeout", 5*time.Second, "how long to wait for the session state")
	cmd.Flags().DurationVar(&opts.Wait, "wait", time.Second, "how long to listen before disconnecting")

	return cmd
}

func runPeer(cmd *cobra.Command, opts *PeerOptions, cfg *config.Config, sessionID string) error {
	logger := opts.logger(cfg, cmd.ErrOrStderr())
	seeding := cmd.Flags().Changed("seed")

	participant := ir.Participant{ID: opts.Participant, Name: opts.Name, Color: opts.Color}
	if participant.ID == "" {
		participant.ID = "cli-" + uuid.NewString()[:8]
	}
	if participant.Name == "" {
		participant.Name = participant.ID
	}

	engOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithLocalParticipant(participant.ID),
	}
	if seeding {
		engOpts = append(engOpts, engine.WithSessionIDs(engine.NewFixedGenerator(sessionID)))
	}
	eng := engine.New(engOpts...)
	if seeding {
		doc := opts.Document
		if doc == "" {
			doc = sessionID
		}
		eng.CreateSession(doc, opts.Seed)
		// The relay drops presence for sessions it has no replica of, so
		// the seeder is listed through the snapshot it shares.
		if err := eng.JoinSession(sessionID, participant); err != nil {
			return WrapExitError(ExitFailure, "failed to join seeded session", err)
		}
	}

	m := conn.New(eng, conn.NewWebsocketDialer(cfg.WebsocketSettings()), cfg.ConnSettings(), conn.WithLogger(logger))
	synced := make(chan struct{}, 1)
	off := m.On(conn.EventContentUpdated, func(ev conn.Event) {
		select {
		case synced <- struct{}{}:
		default:
		}
	})
	defer off()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if err := m.Connect(ctx, sessionID, participant); err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	defer m.Disconnect()

	if seeding {
		if err := m.ShareState(); err != nil {
			return WrapExitError(ExitFailure, "failed to share state", err)
		}
	} else {
		if err := m.RequestSync(); err != nil {
			return WrapExitError(ExitFailure, "failed to request sync", err)
		}
		select {
		case <-synced:
		case <-time.After(opts.SyncTimeout):
			return NewExitError(ExitFailure, fmt.Sprintf("session %s: no state received within %s", sessionID, opts.SyncTimeout))
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if opts.Insert != "" {
		content, _ := eng.DocumentContent(sessionID)
		op, err := eng.ApplyLocalUpdate(sessionID, ir.Update{
			Kind:     ir.OpInsert,
			Position: utf8.RuneCountInString(content),
			Text:     opts.Insert,
		})
		if err != nil {
			return WrapExitError(ExitFailure, "failed to insert", err)
		}
		if err := m.BroadcastOperation(op); err != nil {
			return WrapExitError(ExitFailure, "failed to broadcast", err)
		}
	}

	select {
	case <-time.After(opts.Wait):
	case <-ctx.Done():
	}

	result := PeerResult{SessionID: sessionID, Participant: participant.ID}
	result.Content, _ = eng.DocumentContent(sessionID)
	result.Operations = len(eng.Operations(sessionID))
	result.Participants = []string{}
	if s, ok := eng.Session(sessionID); ok {
		for _, p := range s.Participants {
			result.Participants = append(result.Participants, p.ID)
		}
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		return formatter.Success(result)
	}
	formatter.VerboseLog("session %s as %s: %d operations, participants %v", result.SessionID, result.Participant, result.Operations, result.Participants)
	return formatter.Success(result.Content)
}
