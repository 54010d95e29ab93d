package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/procrt/agent"
	"github.com/guseggert/procrt/internal/config"
	"github.com/guseggert/procrt/internal/files"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const defaultConfigName = "procrt-agent.yaml"

func main() {
	app := &cli.App{
		Name:  "procrt-agent",
		Usage: "an HTTP agent that starts processes on this host",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML config file. Defaults to the nearest " + defaultConfigName + " in this or a parent directory.",
				EnvVars: []string{"PROCRT_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on. Overrides the config file.",
				EnvVars: []string{"PROCRT_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error]. Overrides the config file.",
				EnvVars: []string{"PROCRT_LOG_LEVEL"},
			},
		},
		Action: func(ctx *cli.Context) error {
			path := ctx.String("config")
			if path == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				path, err = files.FindUp(defaultConfigName, wd)
				if err != nil {
					return fmt.Errorf("looking for %s: %w", defaultConfigName, err)
				}
			}
			cfg := config.Default()
			if path != "" {
				var err error
				cfg, err = config.Load(path)
				if err != nil {
					return err
				}
			}
			if ctx.IsSet("listen-addr") {
				cfg.ListenAddr = ctx.String("listen-addr")
			}
			if ctx.IsSet("log-level") {
				cfg.LogLevel = ctx.String("log-level")
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			a, err := buildAgent(cfg)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-sigCtx.Done()
				if err := a.Stop(); err != nil {
					log.Printf("stopping agent: %s", err)
				}
			}()

			return a.Run()
		},
	}
	if err := app.RunContext(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildAgent(cfg config.Config) (*agent.Agent, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	baseEnv, err := cfg.BaseEnv()
	if err != nil {
		return nil, err
	}
	opts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithListenAddr(cfg.ListenAddr),
		agent.WithBaseEnv(baseEnv),
		agent.WithDefaultDir(cfg.DefaultDir),
		agent.WithAllowAmbiguousCommands(cfg.AllowAmbiguousCommands),
		agent.WithCommandTimeout(cfg.CommandTimeout),
	}
	if cfg.Guard != nil {
		opts = append(opts, agent.WithGuard(*cfg.Guard))
	}
	if cfg.TLS.Enabled() {
		certs, err := agent.LoadCerts(cfg.TLS.CACertFile, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agent.WithTLS(certs))
	}
	return agent.New(opts...)
}
