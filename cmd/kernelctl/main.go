package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/guseggert/kernelclient/client"
	"github.com/guseggert/kernelclient/connect"
	"github.com/guseggert/kernelclient/manager"
)

func loadSpec(path string) (*manager.KernelSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading kernel spec: %w", err)
	}
	var spec manager.KernelSpec
	if err := json.Unmarshal(b, &spec); err != nil {
		return nil, fmt.Errorf("parsing kernel spec: %w", err)
	}
	return &spec, nil
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	app := &cli.App{
		Name:  "kernelctl",
		Usage: "launch and talk to kernels",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list installed kernel specs",
				Action: func(ctx *cli.Context) error {
					for name, dir := range manager.FindKernelSpecs(manager.DefaultSearchPaths()) {
						fmt.Printf("%s\t%s\n", name, dir)
					}
					return nil
				},
			},
			{
				Name:  "run",
				Usage: "launch a kernel, supervise it and auto-restart it until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "kernel-spec",
						Usage: "Path to the kernel spec JSON file.",
					},
					&cli.StringFlag{
						Name:  "kernel",
						Usage: "Name of an installed kernel spec to launch.",
					},
					&cli.StringFlag{
						Name:  "connection-file",
						Usage: "Path to write the connection file to. Defaults to a temp file.",
					},
					&cli.StringFlag{
						Name:  "transport",
						Usage: "Transport to use. One of [tcp,ipc].",
						Value: "tcp",
					},
					&cli.StringFlag{
						Name:  "ip",
						Usage: "The local IP for the kernel to bind.",
						Value: "127.0.0.1",
					},
				},
				Action: func(ctx *cli.Context) error {
					var spec *manager.KernelSpec
					var err error
					switch {
					case ctx.String("kernel-spec") != "":
						spec, err = loadSpec(ctx.String("kernel-spec"))
					case ctx.String("kernel") != "":
						spec, err = manager.GetKernelSpec(ctx.String("kernel"), nil)
					default:
						return fmt.Errorf("one of --kernel-spec or --kernel is required")
					}
					if err != nil {
						return err
					}
					logger, err := buildLogger(ctx.Bool("debug"))
					if err != nil {
						return err
					}

					m, err := manager.New(
						manager.WithLogger(logger),
						manager.WithKernelSpec(spec),
						manager.WithIP(ctx.String("ip")),
						manager.WithTransport(ctx.String("transport")),
						manager.WithConnectionFile(ctx.String("connection-file")),
					)
					if err != nil {
						return err
					}
					if err := m.StartKernel(ctx.Context); err != nil {
						return err
					}
					fmt.Printf("kernel running, connection file: %s\n", m.ConnectionFile())

					restarter := manager.NewRestarter(m,
						manager.WithRestarterLogger(logger),
					)
					dead := make(chan struct{})
					restarter.AddCallback(manager.EventDead, func() { close(dead) })
					restarter.Start()

					sigs := make(chan os.Signal, 1)
					signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
					select {
					case <-sigs:
					case <-dead:
						restarter.Stop()
						return fmt.Errorf("kernel died and could not be restarted")
					}

					restarter.Stop()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					return m.ShutdownKernel(shutdownCtx, false, false)
				},
			},
			{
				Name:      "exec",
				Usage:     "execute code on a running kernel and print its output",
				ArgsUsage: "<code>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "connection-file",
						Usage:    "Path to the kernel's connection file.",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "timeout",
						Usage: "Duration to wait for the execution to finish.",
						Value: "1m",
					},
				},
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() != 1 {
						return fmt.Errorf("expected exactly one code argument")
					}
					code := ctx.Args().First()
					timeout, err := time.ParseDuration(ctx.String("timeout"))
					if err != nil {
						return fmt.Errorf("parsing timeout: %w", err)
					}
					logger, err := buildLogger(ctx.Bool("debug"))
					if err != nil {
						return err
					}

					info, err := connect.LoadFile(ctx.String("connection-file"))
					if err != nil {
						return err
					}
					c, err := client.New(info, client.WithLogger(logger))
					if err != nil {
						return err
					}
					if err := c.StartChannels(); err != nil {
						return err
					}
					defer c.StopChannels()

					execCtx, cancel := context.WithTimeout(ctx.Context, timeout)
					defer cancel()
					if err := c.WaitForReady(execCtx); err != nil {
						return err
					}
					reply, err := c.ExecuteInteractive(execCtx, client.ExecuteRequest{Code: code}, nil, nil)
					if err != nil {
						return err
					}
					if status, _ := reply.Content["status"].(string); status != "ok" {
						return fmt.Errorf("execution finished with status %q", status)
					}
					return nil
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
