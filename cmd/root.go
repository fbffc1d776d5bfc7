package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	ccsync "github.com/ghyeongl/ccsync/sync"
)

// Execute runs the root command.
func Execute() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ccsync [port]",
		Short: "Mirror a workspace directory to remote clients over WebSocket",
		Long: `ccsync watches ./<root>/<workspace id>/ and streams every change to the
clients bound to that workspace. Clients push files back into the same
directory. The optional positional argument overrides --port.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v, cmd.Flags(), args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "config file (yaml, toml or json)")
	flags.StringP("address", "a", "0.0.0.0", "address to listen on")
	flags.IntP("port", "p", 8080, "port to listen on")
	flags.StringP("root", "r", "comp", "directory holding one subdirectory per workspace")
	flags.String("assets", "lua", "directory with init.lua and deps/ served to clients")
	flags.String("log-dir", "", "directory for rotating log files (disabled if empty)")
	flags.Bool("debug", false, "log debug messages to the console")
	flags.Duration("heartbeat-interval", 5*time.Second, "how often the server sends heartbeats")
	flags.Duration("heartbeat-timeout", 10*time.Second, "drop a client silent for longer than this")
	flags.Duration("sync-interval", 500*time.Millisecond, "how often pending changes are pushed")
	flags.Int("feed-backlog", ccsync.DefaultFeedBacklog, "unread change events kept per session")
	flags.Int64("max-frame-size", ccsync.DefaultMaxFrameSize, "largest accepted frame in bytes")
	flags.Int("max-sessions", 0, "maximum concurrent sessions (0 = unlimited)")

	return cmd
}

func initConfig(v *viper.Viper, flags *pflag.FlagSet, args []string) error {
	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix("ccsync")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile := v.GetString("config"); cfgFile != "" {
		path, err := homedir.Expand(cfgFile)
		if err != nil {
			return fmt.Errorf("expand config path: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if len(args) == 1 {
		port, err := strconv.Atoi(args[0])
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %q", args[0])
		}
		v.Set("port", port)
	}
	return nil
}

type options struct {
	addr   string
	assets string
	logDir string
	debug  bool
	sync   ccsync.Config
}

func loadOptions(v *viper.Viper) (options, error) {
	expand := func(key string) (string, error) {
		p, err := homedir.Expand(v.GetString(key))
		if err != nil {
			return "", fmt.Errorf("expand %s: %w", key, err)
		}
		return p, nil
	}

	root, err := expand("root")
	if err != nil {
		return options{}, err
	}
	assets, err := expand("assets")
	if err != nil {
		return options{}, err
	}
	logDir, err := expand("log-dir")
	if err != nil {
		return options{}, err
	}

	cfg := ccsync.DefaultConfig()
	cfg.Root = root
	cfg.HeartbeatInterval = v.GetDuration("heartbeat-interval")
	cfg.HeartbeatTimeout = v.GetDuration("heartbeat-timeout")
	cfg.SyncInterval = v.GetDuration("sync-interval")
	cfg.FeedBacklog = v.GetInt("feed-backlog")
	cfg.MaxFrameSize = v.GetInt64("max-frame-size")
	cfg.MaxSessions = v.GetInt("max-sessions")

	if cfg.HeartbeatInterval <= 0 || cfg.SyncInterval <= 0 {
		return options{}, errors.New("heartbeat-interval and sync-interval must be positive")
	}
	if cfg.HeartbeatTimeout < cfg.HeartbeatInterval {
		return options{}, fmt.Errorf("heartbeat-timeout (%s) must not be shorter than heartbeat-interval (%s)",
			cfg.HeartbeatTimeout, cfg.HeartbeatInterval)
	}

	return options{
		addr:   net.JoinHostPort(v.GetString("address"), strconv.Itoa(v.GetInt("port"))),
		assets: assets,
		logDir: logDir,
		debug:  v.GetBool("debug"),
		sync:   cfg,
	}, nil
}

func serve(parent context.Context, opts options) error {
	ccsync.InitLogger(ccsync.LogOptions{Dir: opts.logDir, Debug: opts.debug})

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon, err := ccsync.NewDaemon(opts.sync)
	if err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	daemonDone := make(chan struct{})
	go func() {
		daemon.Run(ctx)
		close(daemonDone)
	}()

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           ccsync.NewHandlers(daemon, opts.assets).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		ccsync.Logger("cmd").Info("listening", "addr", opts.addr, "root", opts.sync.Root, "assets", opts.assets)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		stop()
		<-daemonDone
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	<-daemonDone
	return err
}
