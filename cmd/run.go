package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"tracecap/config"
	"tracecap/internal/engine"
	tcerr "tracecap/internal/errors"
	"tracecap/internal/metrics"
	"tracecap/internal/pcapfile"
	"tracecap/internal/retry"
	"tracecap/internal/session"
	"tracecap/internal/transport"
	"tracecap/tunnel"
	"tracecap/util"
)

// stdinIsTerminal reports whether a password can be prompted for.
func stdinIsTerminal() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

// run connects once, takes cfg.Captures captures and saves each one.
func run(ctx context.Context, cfg *config.Config) error {
	logger := util.NewLogger(cfg.Verbose)

	if cfg.Password == "" && stdinIsTerminal() {
		pw, err := tunnel.ReadSecret(fmt.Sprintf("Password for %s@%s: ", cfg.User, cfg.Host))
		if err != nil {
			return fmt.Errorf("password: %w", err)
		}
		cfg.Password = string(pw)
	}

	dialer := newDialer(cfg, logger)
	defer dialer.Close()

	m := metrics.New()
	eng := engine.New(engine.Options{
		Dialer:          dialer,
		Logger:          logger,
		Metrics:         m,
		ResponseTimeout: cfg.ResponseTimeout,
		TraceTimeout:    cfg.TraceTimeout,
		RecheckInterval: cfg.RecheckInterval,
		SettleDelay:     cfg.SettleDelay,
		ResolveRemotely: cfg.JumpEnabled(),
	}, engine.Handlers{
		OnConnected: func(ok bool) {
			if ok {
				logger.Verbose("command channel connected")
			}
		},
		OnDisconnected: func(clean bool) {
			if !clean {
				logger.Warn("command channel lost")
			}
		},
	})
	defer eng.Disconnect() //nolint:errcheck

	if err := connect(ctx, eng, cfg, logger); err != nil {
		return err
	}
	logger.Info("session %s ready (UTC offset %ds)", eng.SessionID(), eng.UtcOffset())

	breaker := &retry.Breaker{
		MaxFailures: cfg.MaxFailures,
		OnTrip: func(n int, err error) {
			logger.Error("giving up after %d failed captures in a row: %v", n, err)
		},
	}

	saved := 0
	var lastErr error
	for i := 1; i <= cfg.Captures; i++ {
		err := breaker.Execute(func() error {
			if eng.State() != session.Ready {
				logger.Info("restarting session before capture %d", i)
				if err := connect(ctx, eng, cfg, logger); err != nil {
					return err
				}
			}
			return captureOnce(ctx, eng, cfg, logger)
		})
		switch {
		case err == nil:
			saved++
		case ctx.Err() != nil:
			return ctx.Err()
		case breaker.Tripped():
			return err
		default:
			lastErr = err
			logger.Error("capture %d of %d: %v", i, cfg.Captures, err)
			if tcerr.IsTerminal(err) {
				logger.Warn("session lost; the next capture starts a new one")
			}
		}
	}

	if logger.Level() >= util.LogVerbose {
		fmt.Fprintln(os.Stderr, m.JSON())
	}
	if saved == 0 {
		return fmt.Errorf("no capture saved: %w", lastErr)
	}
	return nil
}

// connect runs the handshake under the retry policy.  Each attempt gets
// its own ConnectTimeout.
func connect(ctx context.Context, eng *engine.Engine, cfg *config.Config, logger *util.Logger) error {
	b := retry.DefaultBackoff()
	b.MaxAttempts = cfg.Retries
	b.Retryable = tcerr.IsRetryable
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("attempt %d failed: %v (retrying in %s)", attempt, err, wait.Truncate(time.Millisecond))
	}

	return b.Do(ctx, func(attempt int) error {
		actx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		err := eng.Connect(actx, cfg.Host, cfg.Port, cfg.User, cfg.Password)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("handshake not finished within %s: %w", cfg.ConnectTimeout, tcerr.ErrTimeout)
		}
		if err != nil {
			eng.Disconnect() //nolint:errcheck
		}
		return err
	})
}

// captureOnce takes one capture and writes it out.
func captureOnce(ctx context.Context, eng *engine.Engine, cfg *config.Config, logger *util.Logger) error {
	payload, err := eng.Capture(ctx)
	if err != nil {
		return err
	}
	now := time.Now()

	sum, err := pcapfile.Save(cfg.SaveDir, payload, eng.UtcOffset(), now, logger)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	if cfg.KeepRaw {
		raw := rawPath(sum.Path)
		if err := writeRaw(raw, payload); err != nil {
			return fmt.Errorf("save raw payload: %w", err)
		}
		logger.Verbose("raw payload kept in %s", raw)
	}
	printSummary(sum)
	return nil
}

// convert turns a raw payload saved with --keep-raw into a pcap file.
func convert(cfg *config.Config, utcOffset int32) error {
	logger := util.NewLogger(cfg.Verbose)
	payload, err := os.ReadFile(cfg.Convert)
	if err != nil {
		return err
	}
	sum, err := pcapfile.Save(cfg.SaveDir, payload, utcOffset, time.Now(), logger)
	if err != nil {
		return err
	}
	printSummary(sum)
	return nil
}

func newDialer(cfg *config.Config, logger *util.Logger) transport.Dialer {
	if !cfg.JumpEnabled() {
		return &transport.TCPDialer{Timeout: cfg.ConnectTimeout}
	}
	return transport.NewSSHDialer(&tunnel.SSHConfig{
		User:          cfg.JumpUser,
		Host:          cfg.JumpHost,
		Port:          cfg.JumpPort,
		KeyPath:       cfg.SSHKeyPath,
		PromptPass:    cfg.SSHPassword,
		UseAgent:      cfg.UseSSHAgent,
		StrictHostKey: cfg.StrictHostKey,
		KnownHosts:    cfg.KnownHostsPath,
		ConnTimeout:   cfg.ConnectTimeout,
	}, logger)
}

// rawPath names the raw payload saved next to a capture file.
func rawPath(pcapPath string) string {
	return strings.TrimSuffix(pcapPath, filepath.Ext(pcapPath)) + ".bin"
}

func writeRaw(path string, payload []byte) (err error) {
	f, err := util.CreateFile(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	_, err = f.Write(payload)
	return err
}

func printSummary(sum pcapfile.Summary) {
	fmt.Printf("%s: %s packets, snaplen %d, %s\n",
		sum.Path, util.Count(int64(sum.Packets)), sum.SnapLen, util.Bytes(sum.Size))
	if sum.Dropped > 0 || sum.Malformed > 0 {
		fmt.Printf("  skipped %d short and %d malformed records\n", sum.Dropped, sum.Malformed)
	}
}
