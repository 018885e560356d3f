package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/orders"
)

func newSubmitCommand() *cobra.Command {
	var (
		accountID string
		projectID string
		name      string
		attrPairs []string
		attrsFile string
		endDate   string
	)

	cmd := &cobra.Command{
		Use:   "submit <resource-type>",
		Short: "Submit a create order",
		Long: `Submit an order for a new resource of the given type.

The order is admitted only if its attributes match the resource type's
schema, every admission policy allows it, the backend is healthy and the
allocation fits the account and project quotas. Admitted orders wait for
approval unless auto-approve is enabled.`,
		Example: `  # Order a VM for a project
  brokerd submit vm --account acme --project web --attr cores=4 --attr ram_gb=8

  # Order with attributes from a file and an end date
  brokerd submit hpc-allocation --account acme -f alloc.yaml --end-date 2026-12-31`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs := engine.Attributes{}
			if attrsFile != "" {
				fromFile, err := readAttributesFile(attrsFile)
				if err != nil {
					return err
				}
				attrs = fromFile
			}
			fromFlags, err := parseAttributes(attrPairs)
			if err != nil {
				return err
			}
			for k, v := range fromFlags {
				attrs[k] = v
			}
			end, err := parseEndDate(endDate)
			if err != nil {
				return err
			}

			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				result, err := b.orders.Submit(ctx, orders.SubmitRequest{
					AccountID:    accountID,
					ProjectID:    projectID,
					ResourceType: args[0],
					Name:         name,
					Attributes:   attrs,
					EndDate:      end,
					CreatedBy:    actor,
				})
				if err != nil {
					return err
				}
				log.Info().
					Str("order_id", result.OrderID).
					Str("resource_id", result.ResourceID).
					Str("status", string(result.Status)).
					Msg("Order submitted")
				return printResult(result)
			})
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "account the resource is charged to")
	cmd.Flags().StringVar(&projectID, "project", "", "project within the account")
	cmd.Flags().StringVar(&name, "name", "", "resource name (generated when empty)")
	cmd.Flags().StringArrayVar(&attrPairs, "attr", nil, "attribute as key=value (repeatable)")
	cmd.Flags().StringVarP(&attrsFile, "file", "f", "", "YAML or JSON attributes file")
	cmd.Flags().StringVar(&endDate, "end-date", "", "date after which the resource is terminated")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func newUpdateCommand() *cobra.Command {
	var (
		attrPairs []string
		unset     []string
	)

	cmd := &cobra.Command{
		Use:   "update <resource-id>",
		Short: "Submit an update order for an active resource",
		Long: `Submit an order changing an active resource's attributes.

The given attributes are merged over the current ones. Only the growth of
the allocation is checked against quota.`,
		Example: `  # Grow a VM
  brokerd update 0f6c... --attr cores=8

  # Drop an attribute
  brokerd update 0f6c... --unset image`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs, err := parseAttributes(attrPairs)
			if err != nil {
				return err
			}
			for _, key := range unset {
				attrs[key] = nil
			}
			if len(attrs) == 0 {
				return fmt.Errorf("nothing to update, pass --attr or --unset")
			}

			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				result, err := b.orders.SubmitUpdate(ctx, orders.UpdateRequest{
					ResourceID: args[0],
					Attributes: attrs,
					CreatedBy:  actor,
				})
				if err != nil {
					return err
				}
				return printResult(result)
			})
		},
	}

	cmd.Flags().StringArrayVar(&attrPairs, "attr", nil, "attribute as key=value (repeatable)")
	cmd.Flags().StringSliceVar(&unset, "unset", nil, "attributes to remove")

	return cmd
}

func newTerminateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "terminate <resource-id>",
		Short: "Submit a terminate order",
		Long: `Submit an order tearing down an active or erred resource. Its quota
reservation is released once the backend confirms the deletion.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				result, err := b.orders.SubmitTermination(ctx, orders.TerminateRequest{
					ResourceID: args[0],
					CreatedBy:  actor,
				})
				if err != nil {
					return err
				}
				return printResult(result)
			})
		},
	}

	return cmd
}

func newApproveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <order-id>",
		Short: "Approve a pending order",
		Long: `Approve an order awaiting review and hand it to the engine. Without a
running daemon the order is executed by this command.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				if err := b.orders.Approve(ctx, args[0], actor); err != nil {
					return err
				}
				return printOrder(ctx, b, args[0])
			})
		},
	}

	return cmd
}

func newRejectCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <order-id>",
		Short: "Reject a pending order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				if err := b.orders.Reject(ctx, args[0], actor, reason); err != nil {
					return err
				}
				return printOrder(ctx, b, args[0])
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason shown to the requester")

	return cmd
}

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel an order",
		Long: `Cancel an order. A create order whose resource was already committed to
its backend is canceled by terminating the resource.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				if err := b.orders.Cancel(ctx, args[0], actor); err != nil {
					return err
				}
				return printOrder(ctx, b, args[0])
			})
		},
	}

	return cmd
}

// orderStatus is the status view of one order.
type orderStatus struct {
	Order       *engine.Order             `json:"order"`
	Resource    *engine.Resource          `json:"resource,omitempty"`
	Transitions []*engine.TransitionEntry `json:"transitions,omitempty"`
}

func newStatusCommand() *cobra.Command {
	var (
		accountID string
		statuses  []string
		limit     int
		history   bool
	)

	cmd := &cobra.Command{
		Use:   "status [order-id]",
		Short: "Show orders",
		Long: `Show one order with its resource, or list orders when no ID is given.`,
		Example: `  # Show an order and its resource's transition log
  brokerd status 5b1e... --history

  # List the pending orders of an account
  brokerd status --account acme --status pending-approval`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				if len(args) == 0 {
					filter := engine.OrderFilter{AccountID: accountID, Limit: limit}
					for _, s := range statuses {
						filter.Statuses = append(filter.Statuses, engine.OrderStatus(s))
					}
					list, err := b.orders.List(ctx, filter)
					if err != nil {
						return err
					}
					return printResult(list)
				}

				order, err := b.orders.Get(ctx, args[0])
				if err != nil {
					return err
				}
				view := orderStatus{Order: order}
				if order.ResourceID != "" {
					view.Resource, err = b.store.GetResource(ctx, order.ResourceID)
					if err != nil && !engine.IsNotFound(err) {
						return err
					}
					if history && view.Resource != nil {
						view.Transitions, err = b.store.ListTransitions(ctx, order.ResourceID)
						if err != nil {
							return err
						}
					}
				}
				return printResult(view)
			})
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "only orders of this account")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only orders in these statuses")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of orders listed")
	cmd.Flags().BoolVar(&history, "history", false, "include the resource's transition log")

	return cmd
}

func printOrder(ctx context.Context, b *broker, orderID string) error {
	order, err := b.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	log.Info().Str("order_id", order.ID).Str("status", string(order.Status)).Msg("Order updated")
	return printResult(order)
}
