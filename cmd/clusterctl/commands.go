package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	config "jmxcluster/configs"
	"jmxcluster/pkg/auth"
	"jmxcluster/pkg/cluster"
)

type cli struct {
	cfg     *config.Config
	connect cluster.Connector
	out     io.Writer

	endpoints   []string
	workersRoot string
	targetsRoot string
}

func newRootCmd(cfg *config.Config, connect cluster.Connector, out io.Writer) *cobra.Command {
	c := &cli{cfg: cfg, connect: connect, out: out}

	root := &cobra.Command{
		Use:           "clusterctl",
		Short:         "manage monitored targets and inspect workers",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(out)
	root.PersistentFlags().StringSliceVar(&c.endpoints, "endpoints", cfg.EtcdEndpoints, "coordination store endpoints")
	root.PersistentFlags().StringVar(&c.workersRoot, "workers-root", cfg.WorkersRoot, "path of worker heartbeats")
	root.PersistentFlags().StringVar(&c.targetsRoot, "targets-root", cfg.TargetsRoot, "path of target definitions")

	root.AddCommand(c.targetCmd(), c.targetsCmd(), c.workersCmd(), c.tokenCmd())
	return root
}

// provisioner connects and returns a Provisioner plus the function that
// closes the connection.
func (c *cli) provisioner(cmd *cobra.Command) (*cluster.Provisioner, func(), error) {
	svc, err := c.connect(cmd.Context(), c.endpoints)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", cluster.ErrConnection, err)
	}
	p := cluster.NewProvisioner(svc, cluster.NewLayout(c.workersRoot, c.targetsRoot))
	return p, func() { _ = svc.Close() }, nil
}

func (c *cli) targetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target [command]",
		Short: "create, show or remove a target",
	}

	var affinity, configText, configFile string
	put := &cobra.Command{
		Use:   "put <alias>",
		Short: "create or update a target",
		Long: `
	Writes the target's config and affinity. The config is read from --config-file
	("-" for stdin) or taken verbatim from --config.
	`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := []byte(configText)
			if configFile != "" {
				var err error
				if data, err = readConfig(cmd, configFile); err != nil {
					return err
				}
			}
			p, done, err := c.provisioner(cmd)
			if err != nil {
				return err
			}
			defer done()
			if err := p.PutTarget(cmd.Context(), cluster.Target{Alias: args[0], Affinity: affinity, Config: data}); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "target %s: affinity=%s config=%d bytes\n", args[0], affinity, len(data))
			return nil
		},
	}
	put.Flags().StringVar(&affinity, "affinity", "", "alias of the preferred worker")
	put.Flags().StringVar(&configText, "config", "", "config blob")
	put.Flags().StringVar(&configFile, "config-file", "", "file holding the config blob")
	_ = put.MarkFlagRequired("affinity")
	put.MarkFlagsMutuallyExclusive("config", "config-file")

	setAffinity := &cobra.Command{
		Use:   "affinity <alias> <worker>",
		Short: "move the preferred worker of a target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, done, err := c.provisioner(cmd)
			if err != nil {
				return err
			}
			defer done()
			return p.SetAffinity(cmd.Context(), args[0], args[1])
		},
	}

	show := &cobra.Command{
		Use:   "show <alias>",
		Short: "show a target definition and whether it is locked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, done, err := c.provisioner(cmd)
			if err != nil {
				return err
			}
			defer done()
			t, err := p.GetTarget(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			locked, err := p.IsLocked(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(c.out)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Alias    string `json:"alias"`
				Affinity string `json:"affinity"`
				Config   string `json:"config"`
				Locked   bool   `json:"locked"`
			}{t.Alias, t.Affinity, string(t.Config), locked})
		},
	}

	rm := &cobra.Command{
		Use:   "rm <alias>",
		Short: "remove a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, done, err := c.provisioner(cmd)
			if err != nil {
				return err
			}
			defer done()
			return p.RemoveTarget(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(put, setAffinity, show, rm)
	return cmd
}

func readConfig(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func (c *cli) targetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "list targets with their affinity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, done, err := c.provisioner(cmd)
			if err != nil {
				return err
			}
			defer done()
			aliases, err := p.ListTargets(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TARGET\tAFFINITY\tCONFIG\tLOCKED")
			for _, alias := range aliases {
				t, err := p.GetTarget(cmd.Context(), alias)
				if err != nil {
					fmt.Fprintf(w, "%s\t-\t-\tmisconfigured\n", alias)
					continue
				}
				locked, _ := p.IsLocked(cmd.Context(), alias)
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", alias, t.Affinity, len(t.Config), locked)
			}
			return w.Flush()
		},
	}
}

func (c *cli) workersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "list live workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, done, err := c.provisioner(cmd)
			if err != nil {
				return err
			}
			defer done()
			workers, err := p.Workers(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WORKER\tHOST\tCPUS\tMEMORY_MB\tSTARTED")
			for _, wk := range workers {
				started := "-"
				if !wk.StartedAt.IsZero() {
					started = wk.StartedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", wk.Alias, wk.Hostname, wk.CPUs, wk.MemoryMB, started)
			}
			return w.Flush()
		},
	}
}

func (c *cli) tokenCmd() *cobra.Command {
	var subject, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "issue a bearer token for the worker status API (needs JWT_SECRET)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := auth.Role(role)
			if r != auth.RoleOperator && r != auth.RoleViewer {
				return fmt.Errorf("unknown role %q", role)
			}
			tcfg := auth.DefaultTokenConfig(c.cfg.JWTSecret)
			tcfg.Expiry = ttl
			tokens, err := auth.NewTokenService(tcfg)
			if err != nil {
				return err
			}
			token, err := tokens.Issue(subject, r)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator name recorded in the token")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleOperator), "operator or viewer")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
