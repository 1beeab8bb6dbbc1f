// Command cubenode runs a single node of the incomplete-hypercube overlay.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/r2northstar/cubenet/pkg/cubenode"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		x, err := readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = x
	}

	var cfg cubenode.Config
	if err := cfg.UnmarshalEnv(e, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	var logger zerolog.Logger
	switch {
	case !cfg.LogStdout:
		logger = zerolog.Nop()
	case cfg.LogStdoutPretty:
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(cfg.LogLevel).With().Timestamp().Logger()
	default:
		logger = zerolog.New(os.Stdout).Level(cfg.LogLevel).With().Timestamp().Logger()
	}

	n, err := cubenode.New(&cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize node: %v\n", err)
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
			n.WritePrometheus(w)
		})
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn().Err(err).Msg("metrics server failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hch := make(chan os.Signal, 1)
	signal.Notify(hch, syscall.SIGHUP)
	go func() {
		for range hch {
			logger.Info().Msg("got SIGHUP, reloading deny list")
			env := os.Environ()
			if pflag.NArg() != 0 {
				x, err := readEnv(pflag.Arg(0))
				if err != nil {
					logger.Warn().Err(err).Msg("reload env file failed")
					continue
				}
				env = x
			}
			var reload cubenode.Config
			if err := reload.UnmarshalEnv(env, false); err != nil {
				logger.Warn().Err(err).Msg("reload config failed")
				continue
			}
			if err := n.SetDenyPrefixes(reload.DenyPrefixes); err != nil {
				logger.Warn().Err(err).Msg("reload deny prefixes failed")
			}
		}
	}()

	if cfg.BootstrapINN.IsValid() {
		go func() {
			addr, err := n.Connect(ctx, cfg.BootstrapINN)
			if err != nil {
				logger.Error().Err(err).Msg("connect to bootstrap INN failed")
				return
			}
			logger.Info().Stringer("addr", addr).Msg("joined cube")
		}()
	}

	if err := n.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: run node: %v\n", err)
		os.Exit(1)
	}
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
