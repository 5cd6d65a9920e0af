package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"convo-bridge/internal/conversation"
	"convo-bridge/internal/domain"
	"convo-bridge/internal/safety"
	"convo-bridge/internal/session"
)

// withStore opens the configured session store for the duration of fn.
func withStore(ctx context.Context, rt *rootOptions, fn func(*session.Store) error) error {
	st, closeFn, err := openStore(ctx, rt.cfg, rt.log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			rt.log.Warn("cli: close store failed", "err", err)
		}
	}()
	return fn(st)
}

func newSessionsCmd(rt *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect or reset stored conversation sessions",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List live conversation records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), rt, func(st *session.Store) error {
				recs := st.Records(cmd.Context())
				if asJSON {
					return printJSON(rt, recordViews(recs))
				}
				if len(recs) == 0 {
					fmt.Fprintln(rt.out, "No sessions.")
					return nil
				}
				w := tabwriter.NewWriter(rt.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "CONVERSATION\tSESSION\tSTATE\tEXPIRES")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ConversationID, orDash(r.Session()), r.State, r.Expiry.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	var all bool
	reset := &cobra.Command{
		Use:   "reset [conversation-id...]",
		Short: "Forget sessions so the next message starts a fresh one",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("name at least one conversation id or pass --all")
			}
			return withStore(cmd.Context(), rt, func(st *session.Store) error {
				ids := args
				if all {
					ids = nil
					for _, r := range st.Records(cmd.Context()) {
						ids = append(ids, r.ConversationID)
					}
				}
				removed := 0
				for _, id := range ids {
					if st.Remove(cmd.Context(), id) {
						removed++
					}
				}
				fmt.Fprintf(rt.out, "Removed %d session(s).\n", removed)
				return nil
			})
		},
	}
	reset.Flags().BoolVar(&all, "all", false, "remove every stored session")

	cmd.AddCommand(list, reset)
	return cmd
}

func newTakeoverCmd(rt *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "takeover",
		Short: "Pause or resume AI replies for a conversation",
	}

	var adminID string
	set := &cobra.Command{
		Use:   "set <conversation-id>",
		Short: "Mark a conversation as taken over by a human admin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), rt, func(st *session.Store) error {
				sm := conversation.NewStateMachine(st, rt.log)
				if !sm.MarkAdminTakeover(cmd.Context(), args[0], adminID) {
					return fmt.Errorf("takeover of %s was not recorded", args[0])
				}
				fmt.Fprintf(rt.out, "Conversation %s taken over for %s.\n", args[0], st.TakeoverTTL())
				return nil
			})
		},
	}
	set.Flags().StringVar(&adminID, "admin", "operator", "admin id recorded on the takeover")

	clearCmd := &cobra.Command{
		Use:   "clear <conversation-id>",
		Short: "Hand a conversation back to the AI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), rt, func(st *session.Store) error {
				sm := conversation.NewStateMachine(st, rt.log)
				if !sm.Reactivate(cmd.Context(), args[0]) {
					fmt.Fprintf(rt.out, "Conversation %s had no active takeover.\n", args[0])
					return nil
				}
				fmt.Fprintf(rt.out, "Conversation %s reactivated.\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(set, clearCmd)
	return cmd
}

func newStateCmd(rt *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect conversation state",
	}
	var asJSON bool
	show := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Show the stored record of one conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), rt, func(st *session.Store) error {
				rec, ok := st.Record(cmd.Context(), args[0])
				if !ok {
					return fmt.Errorf("no live record for conversation %s", args[0])
				}
				v := newRecordView(rec)
				if asJSON {
					return printJSON(rt, v)
				}
				w := tabwriter.NewWriter(rt.out, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "Conversation:\t%s\n", v.ConversationID)
				fmt.Fprintf(w, "Session:\t%s\n", orDash(v.SessionID))
				fmt.Fprintf(w, "State:\t%s\n", v.State)
				fmt.Fprintf(w, "Expires:\t%s\n", v.Expiry)
				fmt.Fprintf(w, "Last user reply:\t%s\n", orDash(v.LastUserReply))
				fmt.Fprintf(w, "Last AI response:\t%s\n", orDash(v.LastAIResponse))
				if v.AdminID != "" {
					fmt.Fprintf(w, "Admin:\t%s\n", v.AdminID)
				}
				return w.Flush()
			})
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.AddCommand(show)
	return cmd
}

func newEmergencyStopCmd(rt *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emergency-stop",
		Short: "Halt or resume all automated replies",
	}

	var reason string
	on := &cobra.Command{
		Use:   "on",
		Short: "Stop all AI replies until turned off",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flag := safety.NewStopFlag(rt.cfg.StopFile)
			if err := flag.Set(true, reason); err != nil {
				return err
			}
			rt.log.Warn("cli: emergency stop engaged", "path", flag.Path(), "reason", reason)
			fmt.Fprintf(rt.out, "Emergency stop ON (%s).\n", flag.Path())
			return nil
		},
	}
	on.Flags().StringVar(&reason, "reason", "manual stop", "reason written to the stop file")

	off := &cobra.Command{
		Use:   "off",
		Short: "Resume AI replies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flag := safety.NewStopFlag(rt.cfg.StopFile)
			if err := flag.Set(false, ""); err != nil {
				return err
			}
			fmt.Fprintln(rt.out, "Emergency stop OFF.")
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Report whether the emergency stop is engaged",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if safety.NewStopFlag(rt.cfg.StopFile).Active() {
				fmt.Fprintln(rt.out, "Emergency stop is ON.")
			} else {
				fmt.Fprintln(rt.out, "Emergency stop is off.")
			}
			return nil
		},
	}

	cmd.AddCommand(on, off, status)
	return cmd
}

type recordView struct {
	ConversationID string       `json:"conversation_id"`
	SessionID      string       `json:"session_id,omitempty"`
	State          domain.State `json:"state"`
	Expiry         string       `json:"expiry"`
	LastUserReply  string       `json:"last_user_reply_time,omitempty"`
	LastAIResponse string       `json:"last_ai_response_time,omitempty"`
	AdminID        string       `json:"admin_id,omitempty"`
}

func newRecordView(r domain.ConversationRecord) recordView {
	return recordView{
		ConversationID: r.ConversationID,
		SessionID:      r.Session(),
		State:          r.State,
		Expiry:         r.Expiry.Format(time.RFC3339),
		LastUserReply:  formatTime(r.LastUserReplyTime),
		LastAIResponse: formatTime(r.LastAIResponseTime),
		AdminID:        r.AdminID,
	}
}

func recordViews(recs []domain.ConversationRecord) []recordView {
	out := make([]recordView, 0, len(recs))
	for _, r := range recs {
		out = append(out, newRecordView(r))
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func printJSON(rt *rootOptions, v any) error {
	enc := json.NewEncoder(rt.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
