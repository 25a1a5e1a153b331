package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/rollout/pkg/logger"
	"github.com/dmitrymomot/rollout/pkg/rollout"
)

var errResetNotConfirmed = errors.New("reset removes every feature; pass --yes to confirm")

type rootOptions struct {
	load   func(*Config) error
	store  string
	groups string
	actor  string
}

func newRootCommand(load func(*Config) error) *cobra.Command {
	o := &rootOptions{load: load}

	root := &cobra.Command{
		Use:          "rollout",
		Short:        "Feature rollout CLI",
		Long:         "Inspect and change feature flags shared by every service using the same store.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&o.store, "store", "", "Store backend: redis|pebble (default from ROLLOUT_STORE)")
	root.PersistentFlags().StringVar(&o.groups, "groups", "", "Group definitions file (default from ROLLOUT_GROUPS_FILE)")
	root.PersistentFlags().StringVar(&o.actor, "actor", os.Getenv("USER"), "Name recorded in the audit trail")

	root.AddCommand(
		o.getCommand(),
		o.listCommand(),
		o.existsCommand(),
		o.activeCommand(),
		o.statesCommand(),
		o.activateCommand(),
		o.deactivateCommand(),
		o.percentageCommand(),
		o.userCommand(),
		o.groupCommand(),
		o.dataCommand(),
		o.deleteCommand(),
		o.resetCommand(),
		o.healthCommand(),
	)
	return root
}

// run loads configuration, opens the store for the duration of fn and
// closes it afterwards.
func (o *rootOptions) run(cmd *cobra.Command, fn func(ctx context.Context, r *rollout.Rollout) error) error {
	return o.runApp(cmd, func(ctx context.Context, a *app) error {
		return fn(ctx, a.rollout)
	})
}

func (o *rootOptions) runApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	var cfg Config
	if err := o.load(&cfg); err != nil {
		return err
	}
	if o.store != "" {
		cfg.Store = o.store
	}
	if o.groups != "" {
		cfg.GroupsFile = o.groups
	}

	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx := withActor(cmd.Context(), o.actor)
	a, err := openApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			log.WarnContext(ctx, "close store", logger.Error(cerr))
		}
	}()

	return fn(ctx, a)
}

func (o *rootOptions) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <feature>",
		Short: "Show a feature's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, r *rollout.Rollout) error {
				f, err := r.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), f)
			})
		},
	}
}

func (o *rootOptions) listCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known features",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, r *rollout.Rollout) error {
				names, err := r.Features(ctx)
				if err != nil {
					return err
				}
				if !verbose {
					for _, name := range names {
						fmt.Fprintln(cmd.OutOrStdout(), name)
					}
					return nil
				}
				features, err := r.MultiGet(ctx, names...)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), features)
			})
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print the full state of every feature")
	return cmd
}

func (o *rootOptions) existsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <feature>",
		Short: "Report whether a feature record is stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, r *rollout.Rollout) error {
				ok, err := r.Exists(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatBool(ok))
				return nil
			})
		},
	}
}

func (o *rootOptions) activeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "active <feature> [user]",
		Short: "Report whether a feature is on for a user (anonymous when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, r *rollout.Rollout) error {
				ok, err := r.Active(ctx, args[0], optionalArg(args, 1))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatBool(ok))
				return nil
			})
		},
	}
}

func (o *rootOptions) statesCommand() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "states [user]",
		Short: "Show every feature's activation for a user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, r *rollout.Rollout) error {
				user := optionalArg(args, 0)
				if activeOnly {
					names, err := r.ActiveFeatures(ctx, user)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), names)
				}
				states, err := r.FeatureStates(ctx, user)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), states)
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only list the names of active features")
	return cmd
}

func (o *rootOptions) activateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <feature>",
		Short: "Turn a feature on for everyone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, r *rollout.Rollout) error {
				return r.Activate(ctx, args[0])
			})
		},
	}
}

func (o *rootOptions) deactivateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <feature>",
		Short: "Turn a feature off, clearing users, groups and percentage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, r *rollout.Rollout) error {
				return r.Deactivate(ctx, args[0])
			})
		},
	}
}

func (o *rootOptions) percentageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "percentage <feature> <0-100>",
		Short: "Roll a feature out to a percentage of users",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pct, err := strconv.ParseFloat(args[1], 64)
			if err != nil || pct < 0 || pct > 100 {
				return fmt.Errorf("percentage must be a number between 0 and 100, got %q", args[1])
			}
			return o.run(cmd, func(ctx context.Context, r *rollout.Rollout) error {
				if pct == 0 {
					return r.DeactivatePercentage(ctx, args[0])
				}
				return r.ActivatePercentage(ctx, args[0], pct)
			})
		},
	}
}

func (o *rootOptions) userCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage a feature's explicit users"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <feature> <user>...",
			Short: "Activate a feature for users",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.run(cmd, func(ctx context.Context, r *rollout.Rollout) error {
					return r.ActivateUsers(ctx, args[0], args[1:])
				})
			},
		},
		&cobra.Command{
			Use:   "remove <feature> <user>...",
			Short: "Remove users from a feature",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.run(cmd, func(ctx context.Context, r *rollout.Rollout) error {
					return r.DeactivateUsers(ctx, args[0], args[1:])
				})
			},
		},
		&cobra.Command{
			Use:   "set <feature> [user]...",
			Short: "Replace a feature's users",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.run(cmd, func(ctx context.Context, r *rollout.Rollout) error {
					return r.SetUsers(ctx, args[0], args[1:])
				})
			},
		},
	)
	return cmd
}

func (o *rootOptions) groupCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "group", Short: "Manage a feature's groups"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <feature> <group>",
			Short: "Activate a feature for a group",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.run(cmd, func(ctx context.Context, r *rollout.Rollout) error {
					return r.ActivateGroup(ctx, args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "remove <feature> <group>",
			Short: "Remove a group from a feature",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.run(cmd, func(ctx context.Context, r *rollout.Rollout) error {
					return r.DeactivateGroup(ctx, args[0], args[1])
				})
			},
		},
	)
	return cmd
}

func (o *rootOptions) dataCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "data", Short: "Manage a feature's metadata"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <feature> <json-object>",
			Short: "Merge a JSON object into the feature's data",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				var data map[string]any
				if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
					return fmt.Errorf("data must be a JSON object: %w", err)
				}
				return o.run(cmd, func(ctx context.Context, r *rollout.Rollout) error {
					return r.SetFeatureData(ctx, args[0], data)
				})
			},
		},
		&cobra.Command{
			Use:   "clear <feature>",
			Short: "Remove all of the feature's data",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.run(cmd, func(ctx context.Context, r *rollout.Rollout) error {
					return r.ClearFeatureData(ctx, args[0])
				})
			},
		},
	)
	return cmd
}

func (o *rootOptions) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <feature>",
		Short: "Delete a feature record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, r *rollout.Rollout) error {
				return r.Delete(ctx, args[0])
			})
		},
	}
}

func (o *rootOptions) resetCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Deactivate and delete every feature",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errResetNotConfirmed
			}
			return o.run(cmd, func(ctx context.Context, r *rollout.Rollout) error {
				return r.Clear(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm removal of every feature")
	return cmd
}

func (o *rootOptions) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the store is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.runApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.health(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			})
		},
	}
}

func optionalArg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
