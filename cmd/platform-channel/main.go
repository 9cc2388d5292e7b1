// Command platform-channel hosts the platform query channel and calls methods on it.
//
//	platform-channel serve  [-c config.yaml] [-listen addr]
//	platform-channel invoke [-c config.yaml] [-addr host:port] [-channel name] [-args json] method
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"platform-channel/client"
	"platform-channel/config"
	"platform-channel/logging"
)

// Version is reported by -v and published to the registry when the config
// does not set server.version. Override with -ldflags "-X main.Version=x.y.z".
var Version = "1.0.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:], stderr)
	case "invoke":
		return runInvoke(args[1:], stdout, stderr)
	case "-v", "version":
		fmt.Fprintf(stdout, "platform-channel version %s\n", Version)
		return 0
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: platform-channel serve|invoke|version [flags]")
}

func loadConfig(path string, stderr io.Writer) (*config.Config, *zap.Logger, bool) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return nil, nil, false
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = Version
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to create logger: %v\n", err)
		return nil, nil, false
	}
	return cfg, logger, true
}

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("c", "", "Path to YAML configuration file")
	listen := fs.String("listen", "", "Listen address (overrides server.listen)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, logger, ok := loadConfig(*configPath, stderr)
	if !ok {
		return 1
	}
	defer logger.Sync()
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	reg, closeRegistry, err := newRegistry(cfg, logger)
	if err != nil {
		logger.Error("registry unavailable", zap.Error(err))
		return 1
	}
	defer closeRegistry()

	svr, err := newServer(cfg, reg, logger)
	if err != nil {
		logger.Error("server setup failed", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svr.Serve("tcp", cfg.Server.Listen)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return svr.Shutdown(cfg.Server.ShutdownTimeout.Std())
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return 1
	}
	return 0
}

func runInvoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("invoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("c", "", "Path to YAML configuration file")
	addr := fs.String("addr", "", "Host address (memory registry only; defaults to server.listen)")
	channelName := fs.String("channel", "", "Channel name (defaults to server.channel)")
	rawArgs := fs.String("args", "", "JSON arguments")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: platform-channel invoke [flags] method")
		return 2
	}
	method := fs.Arg(0)

	cfg, logger, ok := loadConfig(*configPath, stderr)
	if !ok {
		return 1
	}
	defer logger.Sync()
	if *channelName == "" {
		*channelName = cfg.Server.Channel
	}

	var callArgs any
	if *rawArgs != "" {
		if !json.Valid([]byte(*rawArgs)) {
			fmt.Fprintln(stderr, "-args is not valid JSON")
			return 2
		}
		callArgs = json.RawMessage(*rawArgs)
	}

	cli, closeClient, err := newClient(cfg, *channelName, *addr, logger)
	if err != nil {
		logger.Error("client setup failed", zap.Error(err))
		return 1
	}
	defer closeClient()

	res, err := cli.Invoke(context.Background(), *channelName, method, callArgs)
	if err != nil {
		fmt.Fprintf(stderr, "call failed: %v\n", err)
		return 1
	}
	if res.NotImplemented() {
		fmt.Fprintf(stdout, "%s.%s: not implemented\n", *channelName, method)
		return 0
	}
	var me *client.MethodError
	if err := res.Err(); errors.As(err, &me) {
		fmt.Fprintf(stderr, "%v\n", me)
		return 1
	}
	fmt.Fprintln(stdout, string(res.Payload))
	return 0
}
