package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"detour/internal/availability"
	"detour/internal/domain"
	"detour/internal/engine"
	"detour/internal/observation"
)

func venueCmd() *cobra.Command {
	v := &cobra.Command{Use: "venue", Short: "Manage the candidate venue catalog"}
	v.AddCommand(venueAddCmd())
	v.AddCommand(venueListCmd())
	return v
}

func venueAddCmd() *cobra.Command {
	var area, name, category string
	cmd := &cobra.Command{
		Use:   "add <place-id>",
		Short: "Add or update a venue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v := domain.Venue{PlaceID: args[0], AreaID: area, Name: name, Category: category, CreatedAt: time.Now().UTC()}
				if err := e.Repo.UpsertVenue(ctx, v); err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&area, "area", "", "area id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&category, "category", "", "category matched against session intent")
	_ = cmd.MarkFlagRequired("area")
	return cmd
}

func venueListCmd() *cobra.Command {
	var area string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List venues in an area with their current availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				venues, err := e.Repo.ListVenues(ctx, area)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(venues)
				}
				ids := make([]string, 0, len(venues))
				for _, v := range venues {
					ids = append(ids, v.PlaceID)
				}
				snaps := e.Snapshots.GetBatch(ctx, ids)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Place", "Name", "Category", "Status", "Score", "Expires"})
				for _, v := range venues {
					s := snaps[v.PlaceID]
					expires := ""
					if !s.Stale {
						expires = s.ExpiresAt.Format("15:04")
					}
					tw.AppendRow(table.Row{v.PlaceID, v.Name, v.Category, s.Status, fmt.Sprintf("%.2f", s.Score), expires})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&area, "area", "", "area id")
	_ = cmd.MarkFlagRequired("area")
	return cmd
}

func signalCmd() *cobra.Command {
	s := &cobra.Command{Use: "signal", Short: "Availability signals"}
	s.AddCommand(signalReportCmd())
	s.AddCommand(signalShowCmd())
	return s
}

func signalReportCmd() *cobra.Command {
	var kind, status, source, note string
	var entered bool
	var waitMin int
	cmd := &cobra.Command{
		Use:   "report <place-id>",
		Short: "Report availability as an operator, a visitor or a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					snap domain.AvailabilitySnapshot
					err  error
				)
				switch kind {
				case "manual":
					st, perr := domain.ParseAvailabilityStatus(status)
					if perr != nil {
						return perr
					}
					snap, err = e.Snapshots.ReportManual(ctx, args[0], st, source, note)
				case "user":
					snap, err = e.Snapshots.ReportUser(ctx, args[0], entered, optionalInt(cmd, "wait-min", waitMin))
				case "provider":
					snap, err = e.Snapshots.ReportProvider(ctx, availability.ProviderReading{
						PlaceID:         args[0],
						Status:          status,
						WaitMinEstimate: optionalInt(cmd, "wait-min", waitMin),
						Source:          source,
					})
				default:
					return fmt.Errorf("unknown report kind %q (manual, user, provider)", kind)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "as", "manual", "report kind: manual, user or provider")
	cmd.Flags().StringVar(&status, "status", "", "likely_open, unknown or likely_full")
	cmd.Flags().BoolVar(&entered, "entered", false, "user reports: whether they got in")
	cmd.Flags().IntVar(&waitMin, "wait-min", 0, "estimated wait in minutes")
	cmd.Flags().StringVar(&source, "source", "", "signal source")
	cmd.Flags().StringVar(&note, "note", "", "note")
	return cmd
}

func signalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <place-id>...",
		Short: "Show the latest valid snapshot per place",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if len(args) == 1 {
					return printJSONOrTable(e.Snapshots.GetLatest(ctx, args[0]))
				}
				return printJSONOrTable(e.Snapshots.GetBatch(ctx, args))
			})
		},
	}
}

func obsCmd() *cobra.Command {
	o := &cobra.Command{Use: "obs", Short: "Visit outcome observations"}
	o.AddCommand(obsRecordCmd())
	o.AddCommand(obsStatsCmd())
	return o
}

func obsRecordCmd() *cobra.Command {
	var outcome, method, weather string
	var party, lead int
	cmd := &cobra.Command{
		Use:   "record <place-id>",
		Short: "Record a visit outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				receipt, err := recordVisit(ctx, e.Ledger, observation.Input{
					PlaceID:     args[0],
					UserID:      caller().UserID,
					Outcome:     domain.Outcome(outcome),
					PartySize:   party,
					Method:      domain.Method(method),
					Weather:     weather,
					LeadTimeMin: optionalInt(cmd, "lead-min", lead),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(receipt)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "entered, full, queue_left or closed")
	cmd.Flags().StringVar(&method, "method", "", "walkin, call or reservation")
	cmd.Flags().StringVar(&weather, "weather", "", "weather note")
	cmd.Flags().IntVar(&party, "party-size", 1, "party size")
	cmd.Flags().IntVar(&lead, "lead-min", 0, "minutes between proposal and outcome")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

// recordVisit stores one observation. Bare outcomes go through the ledger
// shorthands; a write left in the in-process outbox is retried once.
func recordVisit(ctx context.Context, l observation.Ledger, in observation.Input) (observation.Receipt, error) {
	var (
		receipt observation.Receipt
		err     error
	)
	bare := in.Method == "" && in.Weather == "" && in.LeadTimeMin == nil && in.PartySize <= 1 && in.LinkedSessionID == nil
	switch {
	case bare && in.Outcome == domain.OutcomeEntered:
		receipt, err = l.RecordEntered(ctx, in.PlaceID, in.UserID)
	case bare && in.Outcome == domain.OutcomeFull:
		receipt, err = l.RecordFull(ctx, in.PlaceID, in.UserID)
	case bare && in.Outcome == domain.OutcomeQueueLeft:
		receipt, err = l.RecordQueueLeft(ctx, in.PlaceID, in.UserID)
	case bare && in.Outcome == domain.OutcomeClosed:
		receipt, err = l.RecordClosed(ctx, in.PlaceID, in.UserID)
	default:
		receipt, err = l.Record(ctx, in)
	}
	if err != nil {
		return receipt, err
	}
	if receipt.Queued {
		if res := l.Sync(ctx); res.Remaining > 0 {
			return receipt, fmt.Errorf("observation %s could not be stored", receipt.Observation.ID)
		}
		receipt.Queued = false
	}
	return receipt, nil
}

func obsStatsCmd() *cobra.Command {
	var dow, hourMin, hourMax int
	var area string
	cmd := &cobra.Command{
		Use:   "stats [place-id]",
		Short: "Success rate, hourly profile and best time for a place, or totals for an area",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := observation.Filter{
				Dow:     optionalInt(cmd, "dow", dow),
				HourMin: optionalInt(cmd, "hour-min", hourMin),
				HourMax: optionalInt(cmd, "hour-max", hourMax),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if area != "" {
					venues, err := e.Repo.ListVenues(ctx, area)
					if err != nil {
						return err
					}
					ids := make([]string, 0, len(venues))
					for _, v := range venues {
						ids = append(ids, v.PlaceID)
					}
					return printJSONOrTable(e.Ledger.AreaStats(ctx, ids, f))
				}
				if len(args) == 0 {
					return fmt.Errorf("place id or --area required")
				}
				placeID := args[0]
				rate := e.Ledger.SuccessRate(ctx, placeID, f)
				best := e.Ledger.BestTimeToVisit(ctx, placeID, f.Dow)
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"success_rate": rate,
						"hourly":       e.Ledger.HourlySuccessRates(ctx, placeID, f.Dow),
						"dow":          e.Ledger.DowSuccessRates(ctx, placeID),
						"best_time":    best,
					})
				}
				fmt.Printf("%s: %.0f%% of %d visits got in (confidence %.2f)\n", placeID, rate.Rate*100, rate.SampleSize, rate.Confidence)
				fmt.Printf("best time: %s\n", best.Message)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Hour", "Rate", "Samples"})
				for h, b := range e.Ledger.HourlySuccessRates(ctx, placeID, f.Dow) {
					if b.SampleSize == 0 {
						continue
					}
					tw.AppendRow(table.Row{fmt.Sprintf("%02d:00", h), fmt.Sprintf("%.0f%%", b.Rate*100), b.SampleSize})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&dow, "dow", 0, "weekday, 0 is Sunday")
	cmd.Flags().IntVar(&hourMin, "hour-min", 0, "earliest hour")
	cmd.Flags().IntVar(&hourMax, "hour-max", 23, "latest hour")
	cmd.Flags().StringVar(&area, "area", "", "aggregate over an area's venues instead")
	return cmd
}
