// Package cli holds the gnsctl subcommands: run starts a node, the others
// talk to a node's management endpoint.
package cli

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "github.com/spf13/pflag"

    "github.com/billhu422/GNS/pkg/bootstrap"
    "github.com/billhu422/GNS/pkg/discovery"
    "github.com/billhu422/GNS/pkg/internal/logutil"
    "github.com/billhu422/GNS/pkg/nodeconfig"
    tlsx "github.com/billhu422/GNS/pkg/security/tlsconfig"
    "github.com/billhu422/GNS/pkg/transport"
)

// AddAll attaches every subcommand to root.
func AddAll(root *cobra.Command) {
    root.AddCommand(
        NewRunCmd(),
        NewStatusCmd(),
        NewCreateCmd(),
        NewSubmitCmd(),
        NewReadCmd(),
        NewReconfigureCmd(),
        NewJoinCmd(),
        NewHostsCmd(),
    )
}

func addTLSFlags(fs *pflag.FlagSet, o *tlsx.Options) {
    fs.BoolVar(&o.Enable, "tls-enable", false, "enable mTLS")
    fs.StringVar(&o.CAFile, "tls-ca", "", "path to CA cert (PEM)")
    fs.StringVar(&o.CertFile, "tls-cert", "", "path to certificate (PEM)")
    fs.StringVar(&o.KeyFile, "tls-key", "", "path to private key (PEM)")
    fs.BoolVar(&o.InsecureSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    fs.StringVar(&o.ServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

// NewRunCmd returns the "run" command used to start a node.
func NewRunCmd() *cobra.Command {
    var (
        cfg                 bootstrap.Config
        traceEnable, asJSON bool
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a replica node",
        RunE: func(cmd *cobra.Command, args []string) error {
            if cfg.NodeID == "" { return errors.New("missing --id") }
            logutil.SetJSON(asJSON)
            cfg.Logger = logutil.New("gns")
            defer func() { _ = cfg.Logger.Sync() }()
            ctx, cancel := signalContext()
            defer cancel()
            fmt.Fprintf(cmd.OutOrStdout(), "node %s running. Press Ctrl+C to exit.\n", cfg.NodeID)
            return bootstrap.Run(ctx, cfg, traceEnable)
        },
    }
    fs := cmd.Flags()
    fs.StringVar(&cfg.NodeID, "id", "", "node id (required)")
    fs.StringVar(&cfg.HostsFile, "hosts", "", "host file listing every node")
    fs.StringVar(&cfg.ReplicaAddr, "replica-addr", "", "replica bind addr (default from host file)")
    fs.StringVar(&cfg.AdminAddr, "admin-addr", "", "management bind addr (default from host file)")
    fs.StringVar(&cfg.GossipAddr, "gossip-addr", "", "membership bind addr (default from host file)")
    fs.StringVar(&cfg.RegistryAddr, "registry-addr", "", "registry raft bind addr (default from host file)")
    fs.StringVar(&cfg.Advertise, "advertise", "", "host advertised for wildcard binds")
    fs.StringVar(&cfg.SeedsCSV, "join", "", "comma-separated gossip seeds (host:port)")
    fs.StringVar(&cfg.SeedsFile, "seeds-file", "", "path or glob to a file with gossip seeds")
    fs.StringVar(&cfg.SeedsEnv, "seeds-env", "", "ENV var name containing CSV seeds; overrides the file when set")
    fs.StringVar(&cfg.DNSNames, "dns-names", "", "comma-separated DNS names or SRV records for gossip seeds")
    fs.IntVar(&cfg.DNSPort, "dns-port", 7946, "port used for A/AAAA lookups")
    fs.DurationVar(&cfg.DiscRefresh, "disc-refresh", 5*time.Second, "seed discovery cache duration")
    fs.StringVar(&cfg.DataDir, "data", "", "registry data dir (raft log and snapshots)")
    fs.BoolVar(&cfg.Bootstrap, "bootstrap", false, "bootstrap a single-voter registry")
    fs.DurationVar(&cfg.RestartPeriod, "restart-period", 0, "protocol task retransmission period")
    fs.DurationVar(&cfg.ElectionInterval, "election-interval", 0, "minimum spacing of elections per name")
    fs.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    fs.BoolVar(&asJSON, "log-json", false, "log as JSON")
    addTLSFlags(fs, &cfg.TLS)
    return cmd
}

// client is the flag set shared by commands that call a node.
type client struct {
    addr    string
    timeout time.Duration
    tls     tlsx.Options
}

func (c *client) bind(cmd *cobra.Command) {
    cmd.Flags().StringVar(&c.addr, "addr", "127.0.0.1:24402", "management address of a node (host:port)")
    cmd.Flags().DurationVar(&c.timeout, "timeout", 10*time.Second, "request timeout")
    addTLSFlags(cmd.Flags(), &c.tls)
}

func (c *client) open() (transport.RPCClient, context.Context, context.CancelFunc, error) {
    rc, err := bootstrap.Client(c.tls, c.timeout)
    if err != nil { return nil, nil, nil, err }
    ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
    return rc, ctx, cancel, nil
}

func printJSON(w io.Writer, v any) error {
    enc := json.NewEncoder(w)
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var c client
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch node status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            rc, ctx, cancel, err := c.open()
            if err != nil { return err }
            defer cancel()
            data, err := rc.GetStatus(ctx, c.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            var v any
            if json.Unmarshal(data, &v) != nil {
                _, err = cmd.OutOrStdout().Write(data)
                return err
            }
            return printJSON(cmd.OutOrStdout(), v)
        },
    }
    c.bind(cmd)
    return cmd
}

// NewCreateCmd returns the "create" command.
func NewCreateCmd() *cobra.Command {
    var (
        c       client
        members string
        initial string
    )
    cmd := &cobra.Command{
        Use:   "create [name]",
        Short: "Create a name on a replica set; an omitted name gets a GUID",
        Args:  cobra.MaximumNArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            req := transport.CreateRequest{Members: discovery.Split(members)}
            if len(args) == 1 { req.Name = args[0] }
            if len(req.Members) == 0 { return errors.New("missing --members") }
            if initial != "" {
                if !json.Valid([]byte(initial)) { return errors.New("--record is not valid JSON") }
                req.Initial = json.RawMessage(initial)
            }
            rc, ctx, cancel, err := c.open()
            if err != nil { return err }
            defer cancel()
            resp, err := rc.PostCreate(ctx, c.addr, req)
            if err != nil { return fmt.Errorf("create error: %w", err) }
            return printJSON(cmd.OutOrStdout(), resp)
        },
    }
    cmd.Flags().StringVar(&members, "members", "", "comma-separated replica ids (required)")
    cmd.Flags().StringVar(&initial, "record", "", "initial record as a JSON object")
    c.bind(cmd)
    return cmd
}

// NewSubmitCmd returns the "submit" command.
func NewSubmitCmd() *cobra.Command {
    var (
        c         client
        requestID string
    )
    cmd := &cobra.Command{
        Use:   "submit <name> <json>",
        Short: "Propose a record update and wait until it executes",
        Args:  cobra.ExactArgs(2),
        RunE: func(cmd *cobra.Command, args []string) error {
            if !json.Valid([]byte(args[1])) { return errors.New("update is not valid JSON") }
            rc, ctx, cancel, err := c.open()
            if err != nil { return err }
            defer cancel()
            resp, err := rc.PostSubmit(ctx, c.addr, transport.SubmitRequest{Name: args[0], Value: json.RawMessage(args[1]), RequestID: requestID})
            if err != nil { return fmt.Errorf("submit error: %w", err) }
            return printJSON(cmd.OutOrStdout(), resp)
        },
    }
    cmd.Flags().StringVar(&requestID, "request-id", "", "request id for idempotent retries (default: a new GUID)")
    c.bind(cmd)
    return cmd
}

// NewReadCmd returns the "read" command.
func NewReadCmd() *cobra.Command {
    var c client
    cmd := &cobra.Command{
        Use:   "read <name>",
        Short: "Read the latest executed record of a name",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            rc, ctx, cancel, err := c.open()
            if err != nil { return err }
            defer cancel()
            resp, err := rc.GetRead(ctx, c.addr, args[0])
            if err != nil { return fmt.Errorf("read error: %w", err) }
            return printJSON(cmd.OutOrStdout(), resp)
        },
    }
    c.bind(cmd)
    return cmd
}

// NewReconfigureCmd returns the "reconfigure" command.
func NewReconfigureCmd() *cobra.Command {
    var (
        c       client
        members string
    )
    cmd := &cobra.Command{
        Use:   "reconfigure <name>",
        Short: "Move a name to a new replica set in a new epoch",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            req := transport.ReconfigureRequest{Name: args[0], Members: discovery.Split(members)}
            if len(req.Members) == 0 { return errors.New("missing --members") }
            rc, ctx, cancel, err := c.open()
            if err != nil { return err }
            defer cancel()
            resp, err := rc.PostReconfigure(ctx, c.addr, req)
            if err != nil { return fmt.Errorf("reconfigure error: %w", err) }
            return printJSON(cmd.OutOrStdout(), resp)
        },
    }
    cmd.Flags().StringVar(&members, "members", "", "comma-separated replica ids of the new epoch (required)")
    c.bind(cmd)
    return cmd
}

// NewJoinCmd returns the "join" command.
func NewJoinCmd() *cobra.Command {
    var (
        c            client
        id, raftAddr string
    )
    cmd := &cobra.Command{
        Use:   "join",
        Short: "Ask the registry leader to add a voter",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" || raftAddr == "" { return errors.New("missing required flags: --id and --registry-addr") }
            rc, ctx, cancel, err := c.open()
            if err != nil { return err }
            defer cancel()
            resp, err := rc.PostJoin(ctx, c.addr, transport.JoinRequest{ID: id, RaftAddr: raftAddr})
            if err != nil { return fmt.Errorf("join error: %w", err) }
            if !resp.Accepted && resp.Leader != "" {
                fmt.Fprintf(cmd.ErrOrStderr(), "not the registry leader; retry with --addr %s\n", resp.Leader)
            }
            return printJSON(cmd.OutOrStdout(), resp)
        },
    }
    cmd.Flags().StringVar(&id, "id", "", "node id to add (required)")
    cmd.Flags().StringVar(&raftAddr, "registry-addr", "", "registry raft address of the node (host:port, required)")
    c.bind(cmd)
    return cmd
}

// NewHostsCmd returns the "hosts" command, which prints the addresses the
// host file assigns to each node.
func NewHostsCmd() *cobra.Command {
    var path string
    cmd := &cobra.Command{
        Use:   "hosts [id...]",
        Short: "Show the port block of hosts in a host file",
        RunE: func(cmd *cobra.Command, args []string) error {
            if path == "" { return errors.New("missing --hosts") }
            hosts, err := nodeconfig.Load(nodeconfig.Options{Path: path})
            if err != nil { return err }
            ids := args
            if len(ids) == 0 { ids = hosts.NodeIDs() }
            out := make(map[string]map[string]string, len(ids))
            for _, id := range ids {
                if !hosts.Exists(id) { return fmt.Errorf("unknown host %q", id) }
                out[id] = bootstrap.PortBlock(hosts, id)
            }
            return printJSON(cmd.OutOrStdout(), out)
        },
    }
    cmd.Flags().StringVar(&path, "hosts", "", "host file (required)")
    return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
