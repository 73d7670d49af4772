package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fjogeleit/event-store/core/es"
	"github.com/fjogeleit/event-store/internal/demo"
)

type app struct {
	cfg config
	log *slog.Logger
	out io.Writer
}

// withStore opens the configured backend for one command.
func (a *app) withStore(cmd *cobra.Command, fn func(ctx context.Context, store *es.EventStore) error, opts ...es.StoreOption) error {
	ctx := cmd.Context()
	b, err := openBackend(ctx, a.cfg, a.log, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			a.log.Error("failed to close backend", slog.Any("error", err))
		}
	}()
	return fn(ctx, b.store)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd() *cobra.Command {
	a := &app{out: os.Stdout}

	root := &cobra.Command{
		Use:           "esctl",
		Short:         "Manage event streams and projections",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.out = cmd.OutOrStdout()
			a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.LogLevel}))
			return nil
		},
	}

	root.AddCommand(
		a.installCmd(),
		a.streamCmd(),
		a.appendCmd(),
		a.loadCmd(),
		a.projectionCmd(),
		a.demoCmd(),
		a.serveCmd(),
	)
	return root
}

func (a *app) installCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Create the stream registry, the projection table and the demo streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd, func(ctx context.Context, store *es.EventStore) error {
				if err := store.Install(ctx); err != nil {
					return err
				}
				return demo.Setup(ctx, store)
			})
		},
	}
}

// === streams ===

func (a *app) streamCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "stream", Short: "Manage streams"}

	cmd.AddCommand(
		&cobra.Command{
			Use:  "create <stream>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(cmd, func(ctx context.Context, store *es.EventStore) error {
					return store.CreateStream(ctx, args[0])
				})
			},
		},
		&cobra.Command{
			Use:  "delete <stream>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(cmd, func(ctx context.Context, store *es.EventStore) error {
					return store.DeleteStream(ctx, args[0])
				})
			},
		},
		&cobra.Command{
			Use:  "exists <stream>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(cmd, func(ctx context.Context, store *es.EventStore) error {
					ok, err := store.HasStream(ctx, args[0])
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(a.out, ok)
					return err
				})
			},
		},
		&cobra.Command{
			Use:  "list",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withStore(cmd, func(ctx context.Context, store *es.EventStore) error {
					names, err := store.StreamNames(ctx)
					if err != nil {
						return err
					}
					for _, n := range names {
						fmt.Fprintln(a.out, n)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

// === events ===

func (a *app) appendCmd() *cobra.Command {
	var (
		aggType string
		version uint64
	)
	cmd := &cobra.Command{
		Use:   "append <stream> <aggregate-id> <event-name> <json>",
		Short: "Append one event",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage(args[3])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}
			ev := es.NewEvent(args[2], payload, es.Metadata{
				es.MetaAggregateID:      args[1],
				es.MetaAggregateType:    aggType,
				es.MetaAggregateVersion: es.Version(version),
			})
			return a.withStore(cmd, func(ctx context.Context, store *es.EventStore) error {
				if err := store.AppendTo(ctx, args[0], []es.Event{ev}); err != nil {
					return err
				}
				_, err := fmt.Fprintln(a.out, ev.UUID())
				return err
			})
		},
	}
	cmd.Flags().StringVar(&aggType, "type", "", "aggregate type")
	cmd.Flags().Uint64Var(&version, "version", 1, "aggregate version")
	return cmd
}

func (a *app) loadCmd() *cobra.Command {
	var (
		from    int64
		matches []string
	)
	cmd := &cobra.Command{
		Use:   "load <stream>",
		Short: "Print the events of a stream as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			matcher, err := parseMatches(matches)
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(ctx context.Context, store *es.EventStore) error {
				enc := json.NewEncoder(a.out)
				for ev, err := range store.Load(ctx, args[0], from, matcher) {
					if err != nil {
						return err
					}
					if err := enc.Encode(ev); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&from, "from", 1, "first position to load")
	cmd.Flags().StringArrayVar(&matches, "match", nil, "metadata filter like field=value, field>=3 or field!=x")
	return cmd
}

var matchOperators = []es.Operator{
	es.OpNotEquals, es.OpGreaterThanEquals, es.OpLowerThanEquals,
	es.OpEquals, es.OpGreaterThan, es.OpLowerThan,
}

// parseMatches turns field<op>value expressions into a matcher. Values
// that parse as a number or bool are compared as such.
func parseMatches(exprs []string) (es.MetadataMatcher, error) {
	var m es.MetadataMatcher
	for _, expr := range exprs {
		var found bool
		for _, op := range matchOperators {
			field, raw, ok := strings.Cut(expr, string(op))
			if !ok || field == "" {
				continue
			}
			m = m.WithMetadataMatch(strings.TrimSpace(field), op, parseValue(strings.TrimSpace(raw)))
			found = true
			break
		}
		if !found {
			return nil, fmt.Errorf("invalid match %q", expr)
		}
	}
	return m, m.Validate()
}

func parseValue(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

// === demo ===

func (a *app) demoCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "demo", Short: "Run commands of the user and comment demo domain"}

	run := func(fn func(ctx context.Context, svc *demo.Service, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, store *es.EventStore) error {
				if err := demo.Setup(ctx, store); err != nil {
					return err
				}
				return fn(ctx, demo.NewService(store), args)
			})
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:  "register-user <id> <name> <email>",
			Args: cobra.ExactArgs(3),
			RunE: run(func(ctx context.Context, svc *demo.Service, args []string) error {
				return svc.RegisterUser(ctx, args[0], args[1], args[2])
			}),
		},
		&cobra.Command{
			Use:  "rename-user <id> <name>",
			Args: cobra.ExactArgs(2),
			RunE: run(func(ctx context.Context, svc *demo.Service, args []string) error {
				return svc.RenameUser(ctx, args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:  "write-comment <id> <user-id> <text>",
			Args: cobra.ExactArgs(3),
			RunE: run(func(ctx context.Context, svc *demo.Service, args []string) error {
				return svc.WriteComment(ctx, args[0], args[1], args[2])
			}),
		},
		&cobra.Command{
			Use:  "delete-comment <id>",
			Args: cobra.ExactArgs(1),
			RunE: run(func(ctx context.Context, svc *demo.Service, args []string) error {
				err := svc.DeleteComment(ctx, args[0])
				if errors.Is(err, demo.ErrCommentDeleted) {
					a.log.Warn("comment already deleted", slog.String("id", args[0]))
					return nil
				}
				return err
			}),
		},
	)
	return cmd
}
