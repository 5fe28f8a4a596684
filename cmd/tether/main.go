package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"go.tunl.sh/tether/client"
	"go.tunl.sh/tether/internal/config"
	"go.tunl.sh/tether/internal/state"
	"go.tunl.sh/tether/pkg/protocol"
)

const defaultLocalPort = 3000

type conf struct {
	Level      config.Level `ff:" short=l | long=log         | default=info | usage: 'debug, info, warn or error'               "`
	Port       int          `ff:" short=p | long=port        | default=3000 | usage: local port to expose through the tunnel    "`
	Binary     bool         `ff:" short=b | long=binary      |                usage: negotiate binary framing on the channel    "`
	MaxRetries int          `ff:"           long=max-retries | default=30   | usage: consecutive failed dials before giving up  "`
}

func main() {
	flags := ff.NewFlagSet("tether")

	var conf conf
	if err := flags.AddStruct(&conf); err != nil {
		panic(err)
	}

	cmd := &ff.Command{
		Name:  "tether",
		Usage: "tether [FLAGS] [PORT]",
		Flags: flags,
		Exec: func(ctx context.Context, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level: slog.Level(conf.Level),
			})))

			return runTunnel(ctx, conf, args)
		},
	}

	cmd.Subcommands = append(cmd.Subcommands,
		&ff.Command{
			Name:      "init",
			Usage:     "tether init <url>",
			ShortHelp: "configure the edge server url",
			Exec: func(_ context.Context, args []string) error {
				if len(args) != 1 {
					return errors.New("usage: tether init <url>")
				}

				return runInit(args[0])
			},
		},
		&ff.Command{
			Name:      "status",
			Usage:     "tether status",
			ShortHelp: "show the configured tunnel and its connection state",
			Exec: func(context.Context, []string) error {
				return runStatus()
			},
		},
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ParseAndRun(ctx, os.Args[1:],
		ff.WithEnvVarPrefix("TETHER"),
	); err != nil {
		if !errors.Is(err, ff.ErrHelp) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(cmd))
		}

		os.Exit(1)
	}
}

func runInit(raw string) error {
	domain, err := normalizeDomain(raw)
	if err != nil {
		return err
	}

	store, err := state.NewStore()
	if err != nil {
		return err
	}

	conf, err := store.SaveConfig(domain)
	if err != nil {
		return err
	}

	fmt.Printf("Configured tunnel domain: %s\n", conf.Domain)
	return nil
}

// normalizeDomain validates the edge base URL and trims a trailing slash.
func normalizeDomain(raw string) (string, error) {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return "", errors.New("url must begin with http:// or https://")
	}

	raw = strings.TrimSuffix(raw, "/")

	if _, err := url.Parse(raw); err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}

	return raw, nil
}

func runStatus() error {
	store, err := state.NewStore()
	if err != nil {
		return err
	}

	conf, err := store.LoadConfig()
	if err != nil {
		return err
	}

	status, err := store.ReadStatus()
	if err != nil {
		return err
	}

	fmt.Printf("Domain:    %s\n", conf.Domain)
	if !status.Connected {
		fmt.Println("Status:    disconnected")
		return nil
	}

	fmt.Println("Status:    connected")
	fmt.Printf("Port:      %d\n", status.Port)
	fmt.Printf("Uptime:    %s\n", time.Since(status.ConnectedAt).Round(time.Second))
	return nil
}

func runTunnel(ctx context.Context, c conf, args []string) error {
	store, err := state.NewStore()
	if err != nil {
		return err
	}

	conf, err := store.LoadConfig()
	if err != nil {
		return err
	}

	port := c.Port
	if len(args) > 0 {
		port, err = strconv.Atoi(args[0])
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port: %q", args[0])
		}
	}

	if port == 0 {
		port = defaultLocalPort
	}

	backoff := client.DefaultBackoff
	if c.MaxRetries > 0 {
		backoff.Steps = c.MaxRetries
	}

	cl := &client.Client{
		LocalPort: port,
		Backoff:   &backoff,
		Binary:    c.Binary,
		OnConnectionReady: func(protocol.Frame) {
			if err := store.WriteStatus(port, conf.Domain); err != nil {
				slog.Warn("Recording connection status", "error", err)
			}
		},
		OnDisconnect: func() {
			if err := store.ClearStatus(); err != nil {
				slog.Warn("Clearing connection status", "error", err)
			}
		},
	}

	defer store.ClearStatus()

	slog.Info("Opening tunnel", "domain", conf.Domain, "port", port)

	return cl.DialAndServe(ctx, conf.Domain)
}
