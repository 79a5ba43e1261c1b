package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"detour/internal/app"
	"detour/internal/domain"
	"detour/internal/engine"
	"detour/internal/feed"
)

func startFeedConsumer(ctx context.Context, a *app.App) (func(), error) {
	cfg, err := feedConfig()
	if err != nil {
		return nil, err
	}
	group, err := feed.NewConsumerGroup(cfg)
	if err != nil {
		return nil, err
	}
	c := feed.NewConsumer(group, a.Engine.Snapshots, cfg, a.Log)
	if err := c.Start(ctx); err != nil {
		group.Close()
		return nil, err
	}
	return func() {
		if err := c.Close(); err != nil {
			a.Log.Errorf(context.Background(), "close feed consumer: %v", err)
		}
	}, nil
}

func newRelay(a *app.App) (feed.Relay, func(), error) {
	cfg, err := feedConfig()
	if err != nil {
		return feed.Relay{}, nil, err
	}
	prod, err := feed.NewSyncProducer(cfg)
	if err != nil {
		return feed.Relay{}, nil, err
	}
	evts := a.Engine.Events
	r := feed.NewRelay(prod, evts, a.Engine.Repo, cfg, a.Log)
	return r, func() { prod.Close() }, nil
}

func feedCmd() *cobra.Command {
	f := &cobra.Command{Use: "feed", Short: "Provider availability feed"}
	consume := &cobra.Command{
		Use:   "consume",
		Short: "Consume provider readings from kafka until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				closeFeed, err := startFeedConsumer(ctx, a)
				if err != nil {
					return err
				}
				<-ctx.Done()
				closeFeed()
				return nil
			})
		},
	}
	f.AddCommand(consume)
	return f
}

func eventsCmd() *cobra.Command {
	evts := &cobra.Command{Use: "events", Short: "Audit event log"}
	evts.AddCommand(eventsTailCmd())
	evts.AddCommand(eventsRelayCmd())
	return evts
}

func eventsTailCmd() *cobra.Command {
	var after int64
	var n int
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print events after a cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.Event
					err   error
				)
				if entityKind != "" && entityID != "" {
					items, err = e.Events.ForEntity(ctx, entityKind, entityID)
				} else {
					items, err = e.Events.After(ctx, after, n)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS.Format(time.RFC3339), evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.PayloadJSON})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events with a larger id")
	cmd.Flags().IntVar(&n, "n", 50, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func eventsRelayCmd() *cobra.Command {
	var once bool
	var interval time.Duration
	var types []string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish events to kafka, resuming from the stored cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, closeRelay, err := newRelay(a)
				if err != nil {
					return err
				}
				defer closeRelay()
				r.Types = types
				if once {
					n, err := r.Once(ctx)
					if err != nil {
						return err
					}
					fmt.Println("relayed " + strconv.Itoa(n) + " events")
					return nil
				}
				if err := r.Run(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "relay one batch and exit")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	cmd.Flags().StringSliceVar(&types, "type", nil, "only relay these event types")
	return cmd
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired availability snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Snapshots.CleanupExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("deleted %d expired snapshots\n", n)
				return nil
			})
		},
	}
}
