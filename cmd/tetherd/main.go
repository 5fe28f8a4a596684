package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"go.tunl.sh/tether/internal/config"
	"go.tunl.sh/tether/internal/server"
)

type conf struct {
	Level             config.Level `ff:" short=l | long=log                | default=info | usage: 'debug, info, warn or error'                     "`
	HTTPAddress       string       `ff:" short=a | long=http-address       |                usage: address for the public HTTP listener             "`
	ManagementAddress string       `ff:" short=m | long=management-address |                usage: address for serving metrics and pprof            "`
	ConfigPath        string       `ff:" short=c | long=config             |                usage: path to yaml configuration file                  "`
	WatchConfig       bool         `ff:"           long=watch-config       |                usage: watch the configuration file and apply changes   "`

	RequestTimeout time.Duration `ff:" long=request-timeout | default=30s | usage: deadline for each tunneled request "`
}

func main() {
	flags := ff.NewFlagSet("tetherd")

	var conf conf
	if err := flags.AddStruct(&conf); err != nil {
		panic(err)
	}

	cmd := &ff.Command{
		Name:  "tetherd",
		Usage: "tetherd [FLAGS]",
		Flags: flags,
		Exec: func(ctx context.Context, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level: slog.Level(conf.Level),
			})))

			return runServer(ctx, conf)
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ParseAndRun(ctx, os.Args[1:],
		ff.WithEnvVarPrefix("TETHERD"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(cmd))
		if !errors.Is(err, ff.ErrHelp) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}

		os.Exit(1)
	}
}

func runServer(ctx context.Context, c conf) error {
	base := config.Config{
		HTTPAddress:       c.HTTPAddress,
		ManagementAddress: c.ManagementAddress,
		RequestTimeout:    c.RequestTimeout,
	}

	// PORT is honored for platform compatibility; flags win when set
	if port := os.Getenv("PORT"); port != "" && base.HTTPAddress == "" {
		base.HTTPAddress = "0.0.0.0:" + port
	}

	var updates chan *config.Config
	if c.ConfigPath != "" {
		updates = make(chan *config.Config, 1)
		if err := config.Watch(ctx, updates, c.ConfigPath, c.WatchConfig); err != nil {
			return err
		}

		loaded := <-updates
		merge(&base, loaded)
	}

	base.SetDefaults()

	srv, err := server.New(base)
	if err != nil {
		return err
	}

	if updates != nil && c.WatchConfig {
		go func() {
			for loaded := range updates {
				slog.Info("Applying updated configuration")

				next := base
				merge(&next, loaded)
				srv.Apply(&next)
			}
		}()
	}

	return srv.ListenAndServe(ctx)
}

// merge overlays file-provided settings onto flag-provided ones. Flags
// take precedence for addresses; the file owns the tunables it sets.
func merge(dst *config.Config, src *config.Config) {
	if dst.HTTPAddress == "" {
		dst.HTTPAddress = src.HTTPAddress
	}

	if dst.ManagementAddress == "" {
		dst.ManagementAddress = src.ManagementAddress
	}

	if src.RequestTimeout > 0 {
		dst.RequestTimeout = src.RequestTimeout
	}

	if src.ShutdownGrace > 0 {
		dst.ShutdownGrace = src.ShutdownGrace
	}

	if src.MaxFrameBytes > 0 {
		dst.MaxFrameBytes = src.MaxFrameBytes
	}

	if src.MaxIdleTimeout > 0 {
		dst.MaxIdleTimeout = src.MaxIdleTimeout
	}

	if src.KeepAlivePeriod > 0 {
		dst.KeepAlivePeriod = src.KeepAlivePeriod
	}
}
