package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	"github.com/roach88/canvassync/internal/engine"
	"github.com/roach88/canvassync/internal/store"
)

// SnapshotOptions holds flags shared by the snapshot subcommands.
type SnapshotOptions struct {
	*RootOptions
	Database string
}

// SnapshotSummary is one row of `snapshot list`.
type SnapshotSummary struct {
	SessionID  string `json:"session_id"`
	DocumentID string `json:"document_id"`
	Revision   int64  `json:"revision"`
	OpCount    int64  `json:"op_count"`
	UpdatedAt  int64  `json:"updated_at"`
}

// SnapshotDetail is the output of `snapshot show`.
type SnapshotDetail struct {
	SessionID    string   `json:"session_id"`
	Revision     int64    `json:"revision"`
	OpCount      int64    `json:"op_count"`
	Document     string   `json:"document"`
	Participants []string         `json:"participants"`
	Clock        map[string]int64 `json:"clock"`
	Revisions    []int64          `json:"revisions,omitempty"`
}

// DiffChunk is one run of a `snapshot diff`.
type DiffChunk struct {
	Op   string `json:"op"` // "equal" | "insert" | "delete"
	Text string `json:"text"`
}

// NewSnapshotCommand creates the snapshot command group.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect the relay snapshot store",
		Long: `Inspect session snapshots persisted by the relay.

A snapshot reference is a session id, optionally followed by @revision
to address a retained historical revision.

Examples:
  canvassync snapshot list --db ./relay.db
  canvassync snapshot show s-1 --db ./relay.db
  canvassync snapshot diff s-1@3 s-1 --db ./relay.db
  canvassync snapshot delete s-1 --db ./relay.db`,
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")

	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List stored sessions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(st *store.Store) error { return runSnapshotList(cmd, opts, st) })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "show <session[@rev]>",
		Short:         "Show one snapshot",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(st *store.Store) error { return runSnapshotShow(cmd, opts, st, args[0]) })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "diff <a> <b>",
		Short:         "Diff the documents of two snapshots",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(st *store.Store) error { return runSnapshotDiff(cmd, opts, st, args[0], args[1]) })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "delete <session>",
		Short:         "Delete a session's snapshot and its history",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(st *store.Store) error { return runSnapshotDelete(cmd, opts, st, args[0]) })
		},
	})

	return cmd
}

// withStore opens the database named by --db or the config.
func (o *SnapshotOptions) withStore(fn func(*store.Store) error) error {
	path := o.Database
	if path == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Relay.Database
	}
	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()
	return fn(st)
}

func (o *SnapshotOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: o.Verbose}
}

func runSnapshotList(cmd *cobra.Command, opts *SnapshotOptions, st *store.Store) error {
	snaps, err := st.ListSnapshots(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list snapshots", err)
	}

	rows := make([]SnapshotSummary, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, SnapshotSummary{
			SessionID:  s.SessionID,
			DocumentID: s.DocumentID,
			Revision:   s.Revision,
			OpCount:    s.OpCount,
			UpdatedAt:  s.UpdatedAt,
		})
	}

	if opts.Format == "json" {
		return opts.formatter(cmd).Success(rows)
	}
	w := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(w, "No snapshots stored.")
		return nil
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%s\tdoc=%s\trev=%d\tops=%d\t%s\n",
			r.SessionID, r.DocumentID, r.Revision, r.OpCount,
			time.UnixMilli(r.UpdatedAt).UTC().Format(time.RFC3339))
	}
	return nil
}

func runSnapshotShow(cmd *cobra.Command, opts *SnapshotOptions, st *store.Store, ref string) error {
	ctx := cmd.Context()
	loaded, err := loadRef(ctx, st, ref)
	if err != nil {
		return err
	}

	detail := SnapshotDetail{
		SessionID:    loaded.snap.Session.ID,
		Revision:     loaded.revision,
		OpCount:      loaded.opCount,
		Document:     loaded.snap.Document,
		Participants: []string{},
		Clock:        map[string]int64{},
	}
	for _, p := range loaded.snap.Session.Participants {
		detail.Participants = append(detail.Participants, p.ID)
	}
	entries := loaded.snap.Clock.Entries()
	clock := make([]string, 0, len(entries))
	for _, e := range entries {
		detail.Clock[e.ParticipantID] = e.Counter
		clock = append(clock, fmt.Sprintf("%s=%d", e.ParticipantID, e.Counter))
	}
	if len(clock) == 0 {
		clock = append(clock, "none")
	}
	revs, err := st.ListRevisions(ctx, loaded.sessionID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list revisions", err)
	}
	for _, r := range revs {
		detail.Revisions = append(detail.Revisions, r.Revision)
	}

	if opts.Format == "json" {
		return opts.formatter(cmd).Success(detail)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Session:      %s\n", detail.SessionID)
	fmt.Fprintf(w, "Revision:     %d\n", detail.Revision)
	fmt.Fprintf(w, "Operations:   %d\n", detail.OpCount)
	fmt.Fprintf(w, "Participants: %s\n", strings.Join(detail.Participants, ", "))
	fmt.Fprintf(w, "Clock:        %s\n", strings.Join(clock, ", "))
	if opts.Verbose {
		fmt.Fprintf(w, "Retained:     %v\n", detail.Revisions)
	}
	fmt.Fprintf(w, "\n%s\n", detail.Document)
	return nil
}

func runSnapshotDiff(cmd *cobra.Command, opts *SnapshotOptions, st *store.Store, refA, refB string) error {
	ctx := cmd.Context()
	a, err := loadRef(ctx, st, refA)
	if err != nil {
		return err
	}
	b, err := loadRef(ctx, st, refB)
	if err != nil {
		return err
	}

	chunks := DiffDocuments(a.snap.Document, b.snap.Document)
	if opts.Format == "json" {
		return opts.formatter(cmd).Success(chunks)
	}
	fmt.Fprintln(cmd.OutOrStdout(), RenderDiff(chunks))
	return nil
}

func runSnapshotDelete(cmd *cobra.Command, opts *SnapshotOptions, st *store.Store, sessionID string) error {
	if strings.Contains(sessionID, "@") {
		return NewExitError(ExitCommandError, fmt.Sprintf("delete takes a session id, not a revision: %s", sessionID))
	}
	if err := st.DeleteSnapshot(cmd.Context(), sessionID); err != nil {
		return refError(sessionID, err)
	}
	if opts.Format == "json" {
		return opts.formatter(cmd).Success(map[string]string{"deleted": sessionID})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", sessionID)
	return nil
}

// DiffDocuments returns the semantic diff of two document texts.
func DiffDocuments(a, b string) []DiffChunk {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(a, b, false))

	chunks := make([]DiffChunk, 0, len(diffs))
	for _, d := range diffs {
		op := "equal"
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = "insert"
		case diffmatchpatch.DiffDelete:
			op = "delete"
		}
		chunks = append(chunks, DiffChunk{Op: op, Text: d.Text})
	}
	return chunks
}

// RenderDiff renders chunks inline: [-deleted-] and {+inserted+}.
func RenderDiff(chunks []DiffChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		switch c.Op {
		case "insert":
			b.WriteString("{+" + c.Text + "+}")
		case "delete":
			b.WriteString("[-" + c.Text + "-]")
		default:
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

type loadedRef struct {
	sessionID string
	revision  int64
	opCount   int64
	snap      engine.Snapshot
}

// loadRef resolves "session" to the current snapshot and "session@rev" to
// a retained revision.
func loadRef(ctx context.Context, st *store.Store, ref string) (*loadedRef, error) {
	sessionID, revText, hasRev := strings.Cut(ref, "@")
	if sessionID == "" {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid snapshot reference %q", ref))
	}

	out := &loadedRef{sessionID: sessionID}
	var state []byte
	if hasRev {
		rev, err := strconv.ParseInt(revText, 10, 64)
		if err != nil || rev <= 0 {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid revision in %q", ref))
		}
		r, err := st.LoadRevision(ctx, sessionID, rev)
		if err != nil {
			return nil, refError(ref, err)
		}
		out.revision, out.opCount, state = r.Revision, r.OpCount, r.State
	} else {
		s, err := st.LoadSnapshot(ctx, sessionID)
		if err != nil {
			return nil, refError(ref, err)
		}
		out.revision, out.opCount, state = s.Revision, s.OpCount, s.State
	}

	snap, err := engine.DecodeSnapshot(state)
	if err != nil {
		return nil, WrapExitError(ExitFailure, fmt.Sprintf("snapshot %s is corrupt", ref), err)
	}
	out.snap = snap
	return out, nil
}

func refError(ref string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("snapshot not found: %s", ref))
	}
	return WrapExitError(ExitCommandError, fmt.Sprintf("failed to load %s", ref), err)
}
