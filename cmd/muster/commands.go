package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"muster/pkg/client"
	"muster/pkg/component"
	"muster/pkg/config"
	"muster/pkg/coordinator"
	"muster/pkg/discovery"
	"muster/pkg/index"
	"muster/pkg/node"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// session carries what a client command needs to reach the cluster.
type session struct {
	cfg  *config.ClientConfig
	pool *client.ConnectionPool
}

// newSession loads the CLI defaults and applies the global flags over them.
func newSession() (*session, error) {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return nil, err
	}
	if nodeAddress != "" {
		cfg.NodeAddress = nodeAddress
	}
	if coordinatorAddress != "" {
		cfg.CoordinatorAddress = coordinatorAddress
	}
	if outputFormat != "" {
		cfg.OutputFormat = outputFormat
	}
	if cfg.OutputFormat != config.OutputStyled && cfg.OutputFormat != config.OutputJSON {
		return nil, fmt.Errorf("unknown output format %q", cfg.OutputFormat)
	}
	return &session{cfg: cfg, pool: client.NewConnectionPool()}, nil
}

func (s *session) node() (*node.Client, error) {
	conn, err := s.pool.Get(s.cfg.NodeAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node at %s: %w", s.cfg.NodeAddress, err)
	}
	return node.NewClient(conn, s.cfg.Timeout.Std()), nil
}

func (s *session) index() (*index.Client, error) {
	conn, err := s.pool.Get(s.cfg.CoordinatorAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordinator at %s: %w", s.cfg.CoordinatorAddress, err)
	}
	return index.NewClient(conn, index.ClientConfig{
		Address:     s.cfg.CoordinatorAddress,
		CallTimeout: s.cfg.Timeout.Std(),
	}, zap.NewNop()), nil
}

func (s *session) close(err *error) {
	*err = multierr.Append(*err, s.pool.CloseAll())
}

func announceCmd() *cobra.Command {
	var (
		realm string
		attrs []string
		logs  []string
	)

	cmd := &cobra.Command{
		Use:   "announce <system> [subsystem]",
		Short: "Announce a component provided by this node",
		Long: `Record on the node agent that it provides system/subsystem.
Attributes are key=value pairs; values that parse as JSON keep their type.`,
		Example: `  muster announce postgres primary --attr port=5432
  muster announce nginx --realm shop --log /var/log/nginx/access.log`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			system, subsystem := args[0], ""
			if len(args) == 2 {
				subsystem = args[1]
			}

			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}
			if len(logs) > 0 {
				attributes[component.AspectLog] = appendLogs(attributes.List(component.AspectLog), logs)
			}

			s, err := newSession()
			if err != nil {
				return err
			}
			defer s.close(&err)

			nc, err := s.node()
			if err != nil {
				return err
			}
			id, err := nc.Announce(cmd.Context(), system, subsystem, discovery.AnnounceOptions{
				Realm:      realm,
				Attributes: attributes,
			})
			if err != nil {
				return err
			}
			return printIdentity(cmd.OutOrStdout(), s.cfg.OutputFormat, id)
		},
	}

	cmd.Flags().StringVar(&realm, "realm", "", "realm (default: the node's cluster)")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "attribute as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&logs, "log", nil, "log file written by the component (repeatable)")

	return cmd
}

func discoverCmd() *cobra.Command {
	var (
		realm string
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "discover <system> [subsystem]",
		Short: "Find the node providing a component",
		Long: `Print the most recent announcement of system/subsystem in the cluster.
With --all, print every announcement, oldest first.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			system, subsystem := args[0], ""
			if len(args) == 2 {
				subsystem = args[1]
			}

			s, err := newSession()
			if err != nil {
				return err
			}
			defer s.close(&err)

			nc, err := s.node()
			if err != nil {
				return err
			}

			if all {
				ids, err := nc.DiscoverAll(cmd.Context(), system, subsystem, realm)
				if err != nil {
					return err
				}
				return printIdentities(cmd.OutOrStdout(), s.cfg.OutputFormat, ids)
			}

			id, err := nc.Discover(cmd.Context(), system, subsystem, realm)
			if err != nil {
				return err
			}
			return printIdentity(cmd.OutOrStdout(), s.cfg.OutputFormat, id)
		},
	}

	cmd.Flags().StringVar(&realm, "realm", "", "realm (default: the node's cluster)")
	cmd.Flags().BoolVar(&all, "all", false, "list every announcement instead of the latest")

	return cmd
}

func componentsCmd() *cobra.Command {
	var aspect string

	cmd := &cobra.Command{
		Use:   "components",
		Short: "List this node's components that declare an aspect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := newSession()
			if err != nil {
				return err
			}
			defer s.close(&err)

			nc, err := s.node()
			if err != nil {
				return err
			}
			ids, err := nc.ComponentsWith(cmd.Context(), aspect)
			if err != nil {
				return err
			}
			if aspect == component.AspectLog {
				return printLogComponents(cmd.OutOrStdout(), s.cfg.OutputFormat, ids)
			}
			return printIdentities(cmd.OutOrStdout(), s.cfg.OutputFormat, ids)
		},
	}

	cmd.Flags().StringVar(&aspect, "aspect", component.AspectLog, "aspect to filter on")

	return cmd
}

func statusCmd() *cobra.Command {
	var staleAfter time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the nodes known to the coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := newSession()
			if err != nil {
				return err
			}
			defer s.close(&err)

			ic, err := s.index()
			if err != nil {
				return err
			}
			nodes, err := ic.Nodes(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get status from %s: %w", s.cfg.CoordinatorAddress, err)
			}
			return printNodes(cmd.OutOrStdout(), s.cfg.OutputFormat, nodes, time.Now(), staleAfter)
		},
	}

	cmd.Flags().DurationVar(&staleAfter, "stale-after", coordinator.DefaultStaleAfter, "mark nodes not seen for this long as stale")

	return cmd
}

// parseAttributes turns key=value pairs into attributes. Values are decoded
// as JSON when they parse, so port=5432 is a number and tags=["a"] a list;
// anything else is kept as a string.
func parseAttributes(pairs []string) (component.Attributes, error) {
	attrs := make(component.Attributes, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid attribute %q: expected key=value", pair)
		}
		if component.IsReserved(key) {
			return nil, fmt.Errorf("invalid attribute %q: %s is set by the announcement itself", pair, key)
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		attrs[key] = value
	}
	return attrs, nil
}

func appendLogs(existing []any, paths []string) []any {
	out := append([]any{}, existing...)
	for _, p := range paths {
		out = append(out, p)
	}
	return out
}

func parseDuration(s string) (config.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, errors.New("duration must be positive")
	}
	return config.Duration(d), nil
}
