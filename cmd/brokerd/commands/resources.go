package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/broker/pkg/engine"
)

func newResourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resource",
		Aliases: []string{"res"},
		Short:   "Inspect and operate on resources",
		Long: `Inspect resources and run operator actions on them.

Operator actions go through the same lease and transition log as orders,
so they are safe to run next to a serving daemon.`,
	}

	cmd.AddCommand(newResourceShowCommand())
	cmd.AddCommand(newResourceListCommand())
	cmd.AddCommand(newResourceRetryCommand())
	cmd.AddCommand(newResourceSuspendCommand(true))
	cmd.AddCommand(newResourceSuspendCommand(false))
	cmd.AddCommand(newResourceAbandonCommand())
	cmd.AddCommand(newResourceRedriveCommand())

	return cmd
}

type resourceView struct {
	Resource    *engine.Resource          `json:"resource"`
	Transitions []*engine.TransitionEntry `json:"transitions,omitempty"`
}

func newResourceShowCommand() *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "show <resource-id>",
		Short: "Show a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				res, err := b.store.GetResource(ctx, args[0])
				if err != nil {
					return err
				}
				view := resourceView{Resource: res}
				if history {
					if view.Transitions, err = b.store.ListTransitions(ctx, res.ID); err != nil {
						return err
					}
				}
				return printResult(view)
			})
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "include the transition log")

	return cmd
}

func newResourceListCommand() *cobra.Command {
	var (
		accountID string
		projectID string
		backend   string
		states    []string
		deleted   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resources",
		Example: `  # List the erred resources of an account
  brokerd resource list --account acme --state erred`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				filter := engine.ResourceFilter{
					AccountID:      accountID,
					ProjectID:      projectID,
					BackendType:    backend,
					IncludeDeleted: deleted,
				}
				for _, s := range states {
					filter.States = append(filter.States, engine.ResourceState(s))
				}
				list, err := b.store.ListResources(ctx, filter)
				if err != nil {
					return err
				}
				return printResult(list)
			})
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "only resources of this account")
	cmd.Flags().StringVar(&projectID, "project", "", "only resources of this project")
	cmd.Flags().StringVar(&backend, "backend", "", "only resources on this backend")
	cmd.Flags().StringSliceVar(&states, "state", nil, "only resources in these states")
	cmd.Flags().BoolVar(&deleted, "deleted", false, "include terminated resources")

	return cmd
}

func newResourceRetryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <resource-id>",
		Short: "Retry provisioning an erred resource",
		Long: `Move an erred resource back to provisioning with a fresh attempt tag.
The retry budget still applies.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				if err := b.machine.Retry(ctx, args[0], actor); err != nil {
					return err
				}
				return printResource(ctx, b, args[0])
			})
		},
	}

	return cmd
}

func newResourceSuspendCommand(suspend bool) *cobra.Command {
	use, short := "suspend <resource-id>", "Suspend an active resource"
	if !suspend {
		use, short = "resume <resource-id>", "Resume a suspended resource"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				op := b.machine.Resume
				if suspend {
					op = b.machine.Suspend
				}
				if err := op(ctx, args[0], actor); err != nil {
					return err
				}
				return printResource(ctx, b, args[0])
			})
		},
	}

	return cmd
}

func newResourceAbandonCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "abandon <resource-id>",
		Short: "Give up on an erred resource",
		Long: `Mark an erred resource as terminally failed without touching the
backend. Use it once the backend object is known to be gone or has been
cleaned up by hand.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				if err := b.machine.Abandon(ctx, args[0], reason, actor); err != nil {
					return err
				}
				log.Warn().Str("resource_id", args[0]).Str("reason", reason).Msg("Resource abandoned")
				return printResource(ctx, b, args[0])
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "abandoned by operator", "reason recorded in the transition log")

	return cmd
}

func newResourceRedriveCommand() *cobra.Command {
	var seq int64

	cmd := &cobra.Command{
		Use:   "redrive <resource-id>",
		Short: "Resume a resource's unresolved transition",
		Long: `Re-run the in-flight transition of a resource whose worker died. The
transition is replayed under its original attempt tag, so the backend
sees the same idempotency key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				expect := seq
				if expect == 0 {
					last, err := b.store.LastTransition(ctx, args[0])
					if err != nil {
						return err
					}
					expect = last.Seq
				}
				if err := b.machine.Redrive(ctx, args[0], expect, actor); err != nil {
					return err
				}
				return printResource(ctx, b, args[0])
			})
		},
	}

	cmd.Flags().Int64Var(&seq, "seq", 0, "transition sequence to redrive (default the last one)")

	return cmd
}

func printResource(ctx context.Context, b *broker, resourceID string) error {
	res, err := b.store.GetResource(ctx, resourceID)
	if err != nil {
		return err
	}
	return printResult(res)
}
