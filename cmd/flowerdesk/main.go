package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/floegence/flowerdesk/internal/agent"
	"github.com/floegence/flowerdesk/internal/config"
	"github.com/floegence/flowerdesk/internal/settings"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd(os.Args[2:])
	case "chat":
		chatCmd(os.Args[2:])
	case "secrets":
		secretsCmd(os.Args[2:])
	case "version":
		fmt.Printf("flowerdesk %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `flowerdesk

Usage:
  flowerdesk serve [flags]
  flowerdesk chat [flags]
  flowerdesk secrets status|set|clear [name]
  flowerdesk version

Commands:
  serve     Run the HTTP API with the server-sent event stream.
  chat      Chat in the terminal.
  secrets   Manage API keys stored in <state dir>/secrets.json.
  version   Print build information.

`)
}

// loadConfig loads the config file, writing the default one on first run.
func loadConfig(path string) (*config.Config, string) {
	cfgPath := strings.TrimSpace(path)
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfgPath = filepath.Clean(cfgPath)

	cfg, created, err := config.LoadOrInit(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Fprintf(os.Stderr, "Wrote default config to %s\n", cfgPath)
	}
	return cfg, cfgPath
}

func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Config path (default: ~/.flowerdesk/config.yaml)")
	listen := fs.String("listen", "", "Listen address (overrides server.listen)")
	_ = fs.Parse(args)

	cfg, cfgPath := loadConfig(*configPath)
	if v := strings.TrimSpace(*listen); v != "" {
		cfg.Server.Listen = v
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := agent.New(ctx, agent.Options{
		Config:     cfg,
		ConfigPath: cfgPath,
		Version:    Version,
		Commit:     Commit,
		BuildTime:  BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init agent: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = a.Close() }()

	printBanner(os.Stderr, Version, "http://"+cfg.EffectiveListen())

	if err := a.Serve(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "server exited with error: %v\n", err)
		_ = a.Close()
		os.Exit(1)
	}
}

func chatCmd(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fs.String("config", "", "Config path (default: ~/.flowerdesk/config.yaml)")
	markdown := fs.Bool("markdown", term.IsTerminal(int(os.Stdout.Fd())), "Render replies as markdown (default: on when stdout is a terminal)")
	_ = fs.Parse(args)

	cfg, cfgPath := loadConfig(*configPath)

	var logs io.Writer = io.Discard
	if strings.EqualFold(strings.TrimSpace(cfg.Log.Level), "debug") {
		logs = os.Stderr
	}

	repl := newChatREPL(os.Stdout)
	if *markdown {
		repl.render = newMarkdownRenderer(os.Stdout)
	}

	a, err := agent.New(context.Background(), agent.Options{
		Config:     cfg,
		ConfigPath: cfgPath,
		Sink:       repl,
		LogWriter:  logs,
		Version:    Version,
		Commit:     Commit,
		BuildTime:  BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init agent: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = a.Close() }()
	repl.session = a.Session()

	in := newLinerInput(filepath.Join(a.StateDir(), "chat_history"))
	defer in.Close()
	repl.in = in

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	repl.interrupts = interrupts

	printBanner(os.Stdout, Version, "")
	fmt.Fprintf(os.Stdout, "Model %s via %s. Type /help for commands.\n\n", cfg.Model.Name, cfg.Model.Provider)

	if err := repl.run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "chat exited with error: %v\n", err)
		_ = a.Close()
		os.Exit(1)
	}
}

func secretsCmd(args []string) {
	fs := flag.NewFlagSet("secrets", flag.ExitOnError)
	configPath := fs.String("config", "", "Config path (default: ~/.flowerdesk/config.yaml)")
	_ = fs.Parse(args)

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage()
		os.Exit(2)
	}

	cfg, cfgPath := loadConfig(*configPath)
	store := settings.NewSecretsStore(filepath.Join(cfg.EffectiveStateDir(cfgPath), "secrets.json"))

	switch rest[0] {
	case "status":
		status, err := store.Status()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read secrets: %v\n", err)
			os.Exit(1)
		}
		names := make([]string, 0, len(status))
		for name := range status {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			state := "not set"
			if status[name] {
				state = "set"
			}
			fmt.Printf("%-20s %s\n", name, state)
		}
	case "set":
		if len(rest) != 2 {
			fmt.Fprintf(os.Stderr, "usage: flowerdesk secrets set <name>\n")
			os.Exit(2)
		}
		value, err := readSecret(os.Stdin, os.Stderr, rest[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read value: %v\n", err)
			os.Exit(1)
		}
		if err := store.Set(rest[1], value); err != nil {
			fmt.Fprintf(os.Stderr, "failed to save secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Saved %s.\n", rest[1])
	case "clear":
		if len(rest) != 2 {
			fmt.Fprintf(os.Stderr, "usage: flowerdesk secrets clear <name>\n")
			os.Exit(2)
		}
		if err := store.Clear(rest[1]); err != nil {
			fmt.Fprintf(os.Stderr, "failed to clear secret: %v\n", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(2)
	}
}

// readSecret reads without echo from a terminal, or one line from a pipe.
func readSecret(in *os.File, prompt io.Writer, name string) (string, error) {
	if term.IsTerminal(int(in.Fd())) {
		fmt.Fprintf(prompt, "%s: ", name)
		b, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(stop)
	}()
	return ctx, cancel
}
