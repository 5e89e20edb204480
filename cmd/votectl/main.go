// votectl is an operator client for the coordination endpoint: it
// connects as a regular identity and drives instance and voting
// methods from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lovetwice1012/roundsync/internal/config"
	"github.com/lovetwice1012/roundsync/internal/observability"
	"github.com/lovetwice1012/roundsync/internal/protocol"
	"github.com/lovetwice1012/roundsync/internal/transport"
)

var (
	flagAddr       string
	flagIdentity   string
	flagConfigPath string
	flagLogLevel   string
)

func main() {
	root := &cobra.Command{
		Use:           "votectl",
		Short:         "coordination endpoint client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagAddr, "addr", "127.0.0.1:7420", "coordination endpoint address")
	root.PersistentFlags().StringVar(&flagIdentity, "identity", "votectl", "client identity for the handshake")
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level")

	root.AddCommand(
		instanceCommand(),
		voteCommand(),
		watchCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "votectl: %v\n", err)
		os.Exit(1)
	}
}

func dial(ctx context.Context) (*transport.Client, error) {
	logger := observability.InitLogger("votectl")
	if level, err := zerologLevel(flagLogLevel); err == nil {
		logger = logger.Level(level)
	}
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, err
	}
	return transport.Dial(ctx, flagAddr, flagIdentity, []string{"voting"}, cfg.ClientConfig(), logger)
}

// one dial per invocation: run connects, runs fn, disconnects.
func run(fn func(ctx context.Context, c *transport.Client) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		c, err := dial(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		out, err := fn(ctx, c)
		if err != nil {
			return err
		}
		return printJSON(out)
	}
}

func instanceCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "instance", Short: "manage instances"}

	var maxMembers int
	var settings string
	create := &cobra.Command{
		Use:   "create",
		Short: "create an instance",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *transport.Client) (any, error) {
			params := protocol.InstanceCreateParams{MaxMembers: maxMembers}
			if settings != "" {
				params.Settings = json.RawMessage(settings)
			}
			return callInto[protocol.InstanceInfo](ctx, c, protocol.MethodInstanceCreate, params)
		}),
	}
	create.Flags().IntVar(&maxMembers, "max-members", 0, "capacity (0 uses the server default)")
	create.Flags().StringVar(&settings, "settings", "", "opaque settings JSON")

	join := &cobra.Command{
		Use:   "join <instance-id>",
		Short: "join an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *transport.Client) (any, error) {
				return callInto[protocol.InstanceInfo](ctx, c, protocol.MethodInstanceJoin,
					protocol.InstanceJoinParams{InstanceID: args[0], DisplayName: flagIdentity})
			})(cmd, args)
		},
	}

	leave := &cobra.Command{
		Use:   "leave <instance-id>",
		Short: "leave an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *transport.Client) (any, error) {
				return callInto[protocol.InstanceLeaveResult](ctx, c, protocol.MethodInstanceLeave,
					protocol.InstanceIDParams{InstanceID: args[0]})
			})(cmd, args)
		},
	}

	var filter string
	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "list instances",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *transport.Client) (any, error) {
			return callInto[protocol.InstanceListResult](ctx, c, protocol.MethodInstanceList,
				protocol.InstanceListParams{Filter: filter, Limit: limit, Offset: offset})
		}),
	}
	list.Flags().StringVar(&filter, "filter", "", "substring filter on id or creator")
	list.Flags().IntVar(&limit, "limit", 0, "page size (0 uses the server default)")
	list.Flags().IntVar(&offset, "offset", 0, "page offset")

	del := &cobra.Command{
		Use:   "delete <instance-id>",
		Short: "delete an instance (creator only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *transport.Client) (any, error) {
				return callInto[struct{}](ctx, c, protocol.MethodInstanceDelete,
					protocol.InstanceIDParams{InstanceID: args[0]})
			})(cmd, args)
		},
	}

	cmd.AddCommand(create, join, leave, list, del)
	return cmd
}

func voteCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "vote", Short: "run voting campaigns"}

	var subject string
	var deadline time.Duration
	start := &cobra.Command{
		Use:   "start <instance-id>",
		Short: "start a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *transport.Client) (any, error) {
				params := protocol.VotingStartParams{InstanceID: args[0], Subject: subject}
				if deadline > 0 {
					params.ExpiresAtMS = uint64(time.Now().Add(deadline).UnixMilli())
				}
				return callInto[protocol.CampaignInfo](ctx, c, protocol.MethodVotingStart, params)
			})(cmd, args)
		},
	}
	start.Flags().StringVar(&subject, "subject", "ready-check", "campaign subject")
	start.Flags().DurationVar(&deadline, "deadline", 0, "voting window (0 uses the server default)")

	cast := &cobra.Command{
		Use:   "cast <campaign-id> <Proceed|Cancel>",
		Short: "cast or change a vote",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *transport.Client) (any, error) {
				return callInto[protocol.CampaignInfo](ctx, c, protocol.MethodVotingVote,
					protocol.VotingVoteParams{CampaignID: args[0], Decision: args[1]})
			})(cmd, args)
		},
	}

	get := &cobra.Command{
		Use:   "get <campaign-id>",
		Short: "inspect a campaign and its tally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *transport.Client) (any, error) {
				return callInto[protocol.CampaignInfo](ctx, c, protocol.MethodVotingGet,
					protocol.VotingGetParams{CampaignID: args[0]})
			})(cmd, args)
		},
	}

	cmd.AddCommand(start, cast, get)
	return cmd
}

func watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <instance-id>",
		Short: "join an instance and print its events until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			c.OnStream(func(env protocol.Envelope) {
				line := map[string]any{
					"event":     env.Event,
					"data":      json.RawMessage(env.Data),
					"timestamp": env.TimestampMS,
				}
				printJSON(line)
			})
			if _, err := callInto[protocol.InstanceInfo](ctx, c, protocol.MethodInstanceJoin,
				protocol.InstanceJoinParams{InstanceID: args[0], DisplayName: flagIdentity}); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
}

func callInto[T any](ctx context.Context, c *transport.Client, method string, params any) (T, error) {
	var out T
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return out, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return out, nil
}

func printJSON(v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(payload))
	return nil
}

func zerologLevel(raw string) (zerolog.Level, error) {
	return zerolog.ParseLevel(raw)
}
