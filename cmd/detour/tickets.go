package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"detour/internal/domain"
	"detour/internal/engine"
	"detour/internal/tickets"
)

func ticketCmd() *cobra.Command {
	t := &cobra.Command{Use: "ticket", Short: "Rescue tickets and payments"}
	t.AddCommand(ticketCatalogCmd())
	t.AddCommand(ticketBuyCmd())
	t.AddCommand(ticketListCmd())
	t.AddCommand(ticketPaymentsCmd())
	t.AddCommand(ticketRefundCmd())
	return t
}

func ticketCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List ticket types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items := e.Tickets.Catalog()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Credits", "Price", "Valid days"})
				for _, tt := range items {
					tw.AppendRow(table.Row{tt.ID, tt.Name, tt.Count, fmt.Sprintf("%d %s", tt.Price, tt.Currency), tt.ValidDays})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ticketBuyCmd() *cobra.Command {
	var provider, externalID string
	cmd := &cobra.Command{
		Use:   "buy <ticket-type>",
		Short: "Buy a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Tickets.Purchase(ctx, caller().UserID, args[0], tickets.PurchaseOptions{Provider: provider, ExternalID: externalID})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "payment provider")
	cmd.Flags().StringVar(&externalID, "external-id", "", "provider payment reference")
	return cmd
}

func ticketListCmd() *cobra.Command {
	var usable bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your tickets and remaining credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID := caller().UserID
				var (
					items []domain.Ticket
					err   error
				)
				if usable {
					items, err = e.Tickets.ValidTickets(ctx, userID)
				} else {
					items, err = e.Tickets.Tickets(ctx, userID)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				remaining, err := e.Tickets.RemainingCredits(ctx, userID)
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Remaining", "Expires", "Last used"})
				for _, t := range items {
					last := ""
					if t.LastUsedAt != nil {
						last = t.LastUsedAt.Format("2006-01-02 15:04")
					}
					tw.AppendRow(table.Row{t.ID, t.Type, t.Remaining, t.ExpiresAt.Format("2006-01-02"), last})
				}
				tw.AppendFooter(table.Row{"", "usable credits", remaining, "", ""})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&usable, "usable", false, "only unexpired tickets with credits")
	return cmd
}

func ticketPaymentsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "Purchase history and total spend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID := caller().UserID
				items, err := e.Tickets.PurchaseHistory(ctx, userID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				spend, err := e.Tickets.TotalSpend(ctx, userID)
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Amount", "Status", "Provider", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.TicketType, fmt.Sprintf("%d %s", p.Amount, p.Currency), p.Status, p.Provider, p.CreatedAt.Format("2006-01-02 15:04")})
				}
				tw.AppendFooter(table.Row{"", "total spend", spend, "", "", ""})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum payments")
	return cmd
}

func ticketRefundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refund <payment-id>",
		Short: "Mark a settled payment refunded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Tickets.SetPaymentStatus(ctx, args[0], domain.PaymentRefunded, caller().UserID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}
