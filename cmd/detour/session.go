package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"detour/internal/domain"
	"detour/internal/engine"
)

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Drive find-a-place sessions"}
	s.AddCommand(sessionStartCmd())
	s.AddCommand(sessionSelectCmd())
	s.AddCommand(sessionAdvanceCmd())
	s.AddCommand(sessionCompleteCmd())
	s.AddCommand(sessionRescueCmd())
	s.AddCommand(sessionAbandonCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionStatsCmd())
	return s
}

// sessionID takes the id from args or falls back to the caller's current session.
func sessionID(ctx context.Context, e engine.Engine, args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}
	s, err := e.CurrentSession(ctx, caller())
	if err != nil {
		return "", fmt.Errorf("no session id given and no current session: %w", err)
	}
	return s.ID, nil
}

func printSession(s domain.Session) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	fmt.Printf("%s  %s  area=%s intent=%q rescues=%d\n", s.ID, s.State, s.AreaID, s.Intent, s.RescueCount)
	if s.SelectedPlaceID != nil {
		fmt.Printf("selected: %s\n", *s.SelectedPlaceID)
	}
	if len(s.Proposals) == 0 {
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Rank", "Place", "Score", "Reason"})
	for _, p := range s.Proposals {
		tw.AppendRow(table.Row{p.Rank, p.PlaceID, fmt.Sprintf("%.3f", p.ScoreAtPropose), p.Reason})
	}
	tw.Render()
	return nil
}

func sessionStartCmd() *cobra.Command {
	var area, intent, priceBand, parent string
	var maxWalk, party int
	var solo bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session and print its proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Start(ctx, caller(), engine.StartOptions{
					AreaID: area,
					Intent: intent,
					Constraints: domain.Constraints{
						MaxWalkMin: maxWalk,
						PriceBand:  priceBand,
						SoloOnly:   solo,
						PartySize:  party,
					},
					ParentSessionID: parent,
				})
				if err != nil {
					return err
				}
				return printSession(s)
			})
		},
	}
	cmd.Flags().StringVar(&area, "area", "", "area id")
	cmd.Flags().StringVar(&intent, "intent", "", "what the user wants, e.g. cafe")
	cmd.Flags().IntVar(&maxWalk, "max-walk", 0, "maximum walk in minutes")
	cmd.Flags().StringVar(&priceBand, "price-band", "", "price band")
	cmd.Flags().BoolVar(&solo, "solo", false, "solo-friendly places only")
	cmd.Flags().IntVar(&party, "party-size", 1, "party size")
	cmd.Flags().StringVar(&parent, "parent", "", "parent session id")
	_ = cmd.MarkFlagRequired("area")
	return cmd
}

func sessionSelectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select <place-id> [session-id]",
		Short: "Select one of the proposals",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := sessionID(ctx, e, args[1:])
				if err != nil {
					return err
				}
				s, err := e.Select(ctx, caller(), id, args[0])
				if err != nil {
					return err
				}
				return printSession(s)
			})
		},
	}
}

func sessionAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <navigating|arrived> [session-id]",
		Short: "Move the session along the route",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			next, err := domain.ParseSessionState(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := sessionID(ctx, e, args[1:])
				if err != nil {
					return err
				}
				s, err := e.Advance(ctx, caller(), id, next)
				if err != nil {
					return err
				}
				return printSession(s)
			})
		},
	}
}

func sessionCompleteCmd() *cobra.Command {
	var failed bool
	var reason, feedback string
	cmd := &cobra.Command{
		Use:   "complete [session-id]",
		Short: "Record whether you got in",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := sessionID(ctx, e, args)
				if err != nil {
					return err
				}
				s, err := e.Complete(ctx, caller(), id, engine.CompleteOptions{
					Success:    !failed,
					FailReason: domain.Outcome(reason),
					Feedback:   feedback,
				})
				if err != nil {
					return err
				}
				return printSession(s)
			})
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "the visit did not get in")
	cmd.Flags().StringVar(&reason, "reason", "", "fail reason: full or queue_left")
	cmd.Flags().StringVar(&feedback, "feedback", "", "free-form feedback")
	return cmd
}

func sessionRescueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rescue [session-id]",
		Short: "Spend a ticket credit on a fresh session after a failure",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := sessionID(ctx, e, args)
				if err != nil {
					return err
				}
				s, err := e.Rescue(ctx, caller(), id)
				if err != nil {
					return err
				}
				return printSession(s)
			})
		},
	}
}

func sessionAbandonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon [session-id]",
		Short: "Give up on a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := sessionID(ctx, e, args)
				if err != nil {
					return err
				}
				s, err := e.Abandon(ctx, caller(), id)
				if err != nil {
					return err
				}
				return printSession(s)
			})
		},
	}
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [session-id]",
		Short: "Show a session, the current one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := sessionID(ctx, e, args)
				if err != nil {
					return err
				}
				s, err := e.Get(ctx, caller(), id)
				if err != nil {
					return err
				}
				return printSession(s)
			})
		},
	}
}

func sessionListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListUserSessions(ctx, caller(), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Area", "Intent", "Selected", "Parent", "Created"})
				for _, s := range items {
					selected, parent := "", ""
					if s.SelectedPlaceID != nil {
						selected = *s.SelectedPlaceID
					}
					if s.ParentSessionID != nil {
						parent = *s.ParentSessionID
					}
					tw.AppendRow(table.Row{s.ID, s.State, s.AreaID, s.Intent, selected, parent, s.CreatedAt.Format("2006-01-02 15:04")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions")
	return cmd
}

func sessionStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Your success rate over finished sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rate, err := e.UserSuccessRate(ctx, caller())
				if err != nil {
					return err
				}
				return printJSONOrTable(rate)
			})
		},
	}
}
