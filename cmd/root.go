// Package cmd wires up the CLI flags and dispatches to a capture run or
// an offline conversion.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	flag "github.com/spf13/pflag"

	"tracecap/config"
	"tracecap/tunnel"
)

// version is overridable at link time:
//
//	go build -ldflags "-X tracecap/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs tracecap.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage(newFlagSet(config.Default(), &cliOnly{}))
		return nil
	}

	cfg, cli, fs, err := parseArgs(args)
	if err != nil {
		return err
	}
	if cli.showHelp {
		printUsage(fs)
		return nil
	}
	if cli.showVersion {
		fmt.Printf("tracecap %s\n", version)
		return nil
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.DryRun {
		printPlan(os.Stderr, cfg)
		return nil
	}

	if cfg.Convert != "" {
		return convert(cfg, cli.utcOffset)
	}
	return run(ctx, cfg)
}

// parseArgs assembles the configuration: defaults, then the config
// file, then the environment, then flags and positional arguments.
func parseArgs(args []string) (*config.Config, *cliOnly, *flag.FlagSet, error) {
	cfg := config.Default()
	if err := config.LoadFile(configPath(args), cfg); err != nil {
		return nil, nil, nil, err
	}
	config.LoadFromEnv(cfg)

	cli := &cliOnly{}
	fs := newFlagSet(cfg, cli)
	if err := fs.Parse(args); err != nil {
		return nil, nil, nil, err
	}
	if cli.showHelp || cli.showVersion {
		return cfg, cli, fs, nil
	}

	// ── positional arguments ─────────────────────────────────────
	if err := parsePositional(cfg, fs.Args()); err != nil {
		return nil, nil, nil, err
	}

	// ── jump host spec ───────────────────────────────────────────
	if cfg.JumpSpec != "" {
		user, host, port, err := tunnel.ParseSpec(cfg.JumpSpec)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("jump: %w", err)
		}
		if user == "" {
			user = os.Getenv("USER")
		}
		cfg.JumpUser = user
		cfg.JumpHost = host
		cfg.JumpPort = port
	}
	return cfg, cli, fs, nil
}

// cliOnly holds flags that are not part of the saved configuration.
type cliOnly struct {
	showVersion bool
	showHelp    bool
	utcOffset   int32
}

func newFlagSet(cfg *config.Config, cli *cliOnly) *flag.FlagSet {
	fs := flag.NewFlagSet("tracecap", flag.ContinueOnError)

	// ── server ───────────────────────────────────────────────────
	fs.StringVarP(&cfg.User, "user", "u", cfg.User, "User id for LOGIN")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "Password for LOGIN (prompted when empty)")

	// ── capture ──────────────────────────────────────────────────
	fs.StringVarP(&cfg.SaveDir, "dir", "d", cfg.SaveDir, "Directory for capture files")
	fs.IntVarP(&cfg.Captures, "captures", "n", cfg.Captures, "Number of captures to take")
	fs.BoolVar(&cfg.KeepRaw, "keep-raw", cfg.KeepRaw, "Also save each raw payload as .bin")
	fs.IntVar(&cfg.Retries, "retries", cfg.Retries, "Handshake attempts")
	fs.IntVar(&cfg.MaxFailures, "max-failures", cfg.MaxFailures, "Consecutive failed captures before giving up")

	// ── timing ───────────────────────────────────────────────────
	fs.DurationVarP(&cfg.ConnectTimeout, "timeout", "w", cfg.ConnectTimeout, "Handshake deadline")
	fs.DurationVar(&cfg.ResponseTimeout, "response-timeout", cfg.ResponseTimeout, "Wait for each handshake reply")
	fs.DurationVar(&cfg.TraceTimeout, "trace-timeout", cfg.TraceTimeout, "Wait for a whole capture")
	fs.DurationVar(&cfg.RecheckInterval, "recheck-interval", cfg.RecheckInterval, "Completion check period after DONE")
	fs.DurationVar(&cfg.SettleDelay, "settle-delay", cfg.SettleDelay, "Pause after each channel connects")

	// ── SSH jump host ────────────────────────────────────────────
	fs.StringVarP(&cfg.JumpSpec, "jump", "J", cfg.JumpSpec, "SSH jump host [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── modes ────────────────────────────────────────────────────
	fs.StringVar(&cfg.ConfigPath, "config", "", "YAML config file")
	fs.StringVar(&cfg.Convert, "convert", "", "Convert a saved raw payload to pcap and exit")
	fs.Int32Var(&cli.utcOffset, "utc-offset", 0, "UTC offset in seconds for --convert")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate configuration and exit")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cli.showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&cli.showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }
	return fs
}

// configPath finds --config before the full parse so the file can
// supply the flag defaults.
func configPath(args []string) string {
	var path string
	pre := flag.NewFlagSet("tracecap", flag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	pre.Usage = func() {}
	pre.StringVar(&path, "config", "", "")
	pre.BoolP("help", "h", false, "")
	pre.Parse(args) //nolint:errcheck // the full parse reports errors
	if path == "" {
		path = os.Getenv("TRACECAP_CONFIG")
	}
	return path
}

// ── helpers ──────────────────────────────────────────────────────────

func parsePositional(cfg *config.Config, remaining []string) error {
	if cfg.Convert != "" {
		if len(remaining) > 0 {
			return fmt.Errorf("--convert takes no host or port")
		}
		return nil
	}

	switch len(remaining) {
	case 0:
		if cfg.Host == "" {
			return fmt.Errorf("hostname required (use --help for usage)")
		}
		return nil
	case 1, 2:
	default:
		return fmt.Errorf("too many arguments")
	}

	cfg.Host = remaining[0]
	if len(remaining) == 2 {
		port, err := strconv.Atoi(remaining[1])
		if err != nil {
			return fmt.Errorf("invalid port %q", remaining[1])
		}
		cfg.Port = port
	}
	return nil
}

func printPlan(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "server:   %s:%d as %s\n", cfg.Host, cfg.Port, cfg.User)
	if cfg.JumpEnabled() {
		fmt.Fprintf(w, "jump:     %s@%s:%d\n", cfg.JumpUser, cfg.JumpHost, cfg.JumpPort)
	}
	fmt.Fprintf(w, "captures: %d into %s (keep raw: %v)\n", cfg.Captures, cfg.SaveDir, cfg.KeepRaw)
	fmt.Fprintf(w, "timeouts: connect %s, response %s, trace %s\n",
		cfg.ConnectTimeout, cfg.ResponseTimeout, cfg.TraceTimeout)
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `tracecap – IP trace capture client v%s

Connects to a trace server, takes one or more IP traces and saves each
as a pcap file.

Usage:
  tracecap [options] <host> <port>            Capture
  tracecap -J user@gateway <host> <port>      Capture through an SSH jump host
  tracecap --convert trace.bin [-d dir]       Convert a saved raw payload

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  tracecap -u ops mvs1.example.com 8080             One capture into .
  tracecap -u ops -n 5 -d traces mvs1 8080          Five captures
  tracecap -J admin@bastion -u ops mvs1 8080        Through a jump host
  tracecap --config site.yaml -vv                   Settings from a file
`)
}
