// Command mushroom talks to a mushroom server from the shell.
//
//	mushroom [-config path] notify <method> [json]
//	mushroom [-config path] request <method> [json]
//	mushroom [-config path] listen <method>...
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
	"time"

	"mushroom/client"
	"mushroom/config"
	"mushroom/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "mushroom: %v\n", err)
		os.Exit(1)
	}
}

func showUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: mushroom [-config path] <command> [args]

Commands:
  notify <method> [json]    send a notification
  request <method> [json]   send a request and print the reply
  listen <method>...        print notifications until interrupted

Environment:
  MUSHROOM_ENDPOINT, MUSHROOM_TRANSPORTS, MUSHROOM_AUTH, MUSHROOM_LOG_LEVEL,
  MUSHROOM_LOG_FORMAT, MUSHROOM_ETCD_ENDPOINTS override the config file.
`)
}

var errUsage = errors.New("invalid usage")

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("mushroom", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "mushroom.yaml", "path to the YAML config file")
	timeout := fs.Duration("timeout", 30*time.Second, "how long request waits for a reply")
	if err := fs.Parse(args); err != nil {
		showUsage(os.Stderr)
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < 2 {
		showUsage(os.Stderr)
		return errUsage
	}
	cmd, method, rest := fs.Arg(0), fs.Arg(1), fs.Args()[2:]

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	c, closeClient, err := newClient(cfg, log)
	if err != nil {
		return err
	}
	defer closeClient()

	switch cmd {
	case "notify":
		data, err := payloadArg(rest)
		if err != nil {
			return err
		}
		return runNotify(ctx, c, cfg, method, data)
	case "request":
		data, err := payloadArg(rest)
		if err != nil {
			return err
		}
		return runRequest(ctx, c, cfg, method, data, *timeout, stdout)
	case "listen":
		return runListen(ctx, c, cfg, append([]string{method}, rest...), stdout)
	default:
		showUsage(os.Stderr)
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

// payloadArg parses the optional JSON argument. Missing means null.
func payloadArg(rest []string) (json.RawMessage, error) {
	if len(rest) == 0 {
		return nil, nil
	}
	if len(rest) > 1 {
		return nil, fmt.Errorf("%w: expected at most one JSON argument", errUsage)
	}
	raw := json.RawMessage(rest[0])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: argument is not valid JSON: %s", errUsage, rest[0])
	}
	return raw, nil
}

func connect(ctx context.Context, c *client.Client, cfg *config.Config) error {
	var auth any
	if cfg.Auth != "" {
		auth = cfg.Auth
	}
	return c.Connect(ctx, auth)
}

func runNotify(ctx context.Context, c *client.Client, cfg *config.Config, method string, data json.RawMessage) error {
	if err := connect(ctx, c, cfg); err != nil {
		return err
	}
	_, err := c.Notify(ctx, method, data)
	return err
}

func runRequest(ctx context.Context, c *client.Client, cfg *config.Config, method string, data json.RawMessage, timeout time.Duration, stdout io.Writer) error {
	if err := connect(ctx, c, cfg); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reply json.RawMessage
	if err := c.Call(ctx, method, data, &reply); err != nil {
		return err
	}
	if len(reply) == 0 {
		reply = json.RawMessage("null")
	}
	_, err := fmt.Fprintf(stdout, "%s\n", reply)
	return err
}

type notificationLine struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data"`
}

// runListen prints one JSON line per notification until ctx ends or the
// connection goes away.
func runListen(ctx context.Context, c *client.Client, cfg *config.Config, methods []string, stdout io.Writer) error {
	enc := json.NewEncoder(stdout)
	for _, name := range methods {
		name := name
		c.Method(name, func(_ *client.Client, data json.RawMessage) error {
			if len(data) == 0 {
				data = json.RawMessage("null")
			}
			return enc.Encode(notificationLine{Method: name, Data: data})
		})
	}

	gone := make(chan error, 1)
	c.Signals.Disconnected.Connect(func(ev client.DisconnectedEvent) error {
		select {
		case gone <- ev.Err:
		default:
		}
		return nil
	})

	if err := connect(ctx, c, cfg); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-gone:
		return err
	}
}
