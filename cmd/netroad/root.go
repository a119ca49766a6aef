package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/cyberinferno/netroad/config"
	"github.com/cyberinferno/netroad/logger"
)

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=1.1.0"
var version = "1.0.0" //nolint:gochecknoglobals

// options are the command line values layered over the loaded config.
type options struct {
	configPath   string
	address      string
	port         int
	encoding     string
	sendOnly     bool
	echo         bool
	broadcast    bool
	relayAddr    string
	relayChannel string
	logLevel     string
	logFormat    string
	logDir       string
	timeout      time.Duration
}

// Execute parses args and runs the selected mode until ctx is done, the
// input ends or the peer goes away.
func Execute(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	var opts options
	fs := flag.NewFlagSet("netroad", flag.ContinueOnError)

	// ── source ───────────────────────────────────────────────────
	fs.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")

	// ── connection ───────────────────────────────────────────────
	fs.StringVarP(&opts.address, "address", "a", "", "IPv4 address to connect to or bind")
	fs.IntVarP(&opts.port, "port", "p", 0, "Port number")
	fs.StringVarP(&opts.encoding, "encoding", "e", "", "Text encoding (utf-8, iso-8859-1, shift_jis, ...)")
	fs.BoolVar(&opts.sendOnly, "send-only", false, "Client: do not read from the peer")
	fs.DurationVarP(&opts.timeout, "timeout", "w", 0, "Connect timeout")

	// ── server ───────────────────────────────────────────────────
	fs.BoolVar(&opts.echo, "echo", false, "Server: send every line back to its sender")
	fs.BoolVar(&opts.broadcast, "broadcast", false, "Server: send every line to all peers")
	fs.StringVar(&opts.relayAddr, "relay", "", "Server: Redis address for cross-instance broadcast")
	fs.StringVar(&opts.relayChannel, "relay-channel", "", "Server: Redis channel name")

	// ── output ───────────────────────────────────────────────────
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&opts.logFormat, "log-format", "", "Log format (console, json)")
	fs.StringVar(&opts.logDir, "log-dir", "", "Also write daily JSON log files to this directory")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.SetOutput(out)
	fs.Usage = func() { printUsage(out, fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(out, fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(out, "netroad %s\n", version)
		return nil
	}

	cfg, err := resolveConfig(fs, &opts)
	if err != nil {
		return err
	}

	log, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()
	log.Debug("configuration loaded", logger.Field{Key: "config", Value: cfg.String()})

	switch cfg.Mode {
	case config.ModeClient:
		return runClient(ctx, cfg, log, in, out)
	case config.ModeServer:
		return runServer(ctx, cfg, log, out)
	case config.ModeUDPClient:
		return runUDPClient(ctx, cfg, log, in, out)
	default:
		return runUDPServer(ctx, cfg, log, out)
	}
}

// resolveConfig loads the config file and applies the positional mode and
// every flag the user set explicitly.
func resolveConfig(fs *flag.FlagSet, opts *options) (*config.Config, error) {
	cfg, err := config.Read(opts.configPath)
	if err != nil {
		return nil, err
	}

	switch positional := fs.Args(); len(positional) {
	case 0:
	case 1:
		cfg.Mode = config.Mode(strings.ToLower(positional[0]))
	default:
		return nil, fmt.Errorf("too many arguments (use --help for usage)")
	}

	if fs.Changed("address") {
		cfg.Address = opts.address
	}
	if fs.Changed("port") {
		cfg.Port = opts.port
	}
	if fs.Changed("encoding") {
		cfg.Encoding = opts.encoding
	}
	if fs.Changed("send-only") {
		cfg.Receive = !opts.sendOnly
	}
	if fs.Changed("timeout") {
		cfg.ConnectTimeout = opts.timeout
	}
	if fs.Changed("echo") {
		cfg.Server.Echo = opts.echo
	}
	if fs.Changed("broadcast") {
		cfg.Server.Broadcast = opts.broadcast
	}
	if fs.Changed("relay") {
		cfg.Relay.Enabled = opts.relayAddr != ""
		cfg.Relay.Addr = opts.relayAddr
	}
	if fs.Changed("relay-channel") {
		cfg.Relay.Channel = opts.relayChannel
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Logging.Format = opts.logFormat
	}
	if fs.Changed("log-dir") {
		cfg.Logging.Dir = opts.logDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newLogger builds the CLI logger: console or JSON on stderr, plus daily JSON
// files when a log directory is configured.
func newLogger(lc config.LoggingConfig) (logger.Logger, func(), error) {
	level, err := logger.ParseLevel(lc.Level)
	if err != nil {
		return nil, nil, err
	}

	console := !strings.EqualFold(lc.Format, "json")

	if lc.Dir == "" {
		if console {
			return logger.NewConsoleLogger(os.Stderr, "netroad", level), func() {}, nil
		}
		return logger.NewZerologLogger(zerolog.New(os.Stderr), "netroad", level), func() {}, nil
	}

	var w io.Writer = os.Stderr
	if console {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	}

	fw, err := logger.NewDailyFileWriter("netroad", lc.Dir)
	if err != nil {
		return nil, nil, err
	}

	l := logger.NewZerologLogger(zerolog.New(zerolog.MultiLevelWriter(w, fw)), "netroad", level)
	return l, func() { _ = fw.Close() }, nil
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `netroad v%s

Line-delimited TCP and UDP endpoints.

Usage:
  netroad client -a <address> -p <port>       Send stdin lines, print replies
  netroad server [-a <address>] -p <port>     Accept peers and print their lines
  netroad udp-client -a <address> -p <port>   Send stdin lines as datagrams
  netroad udp-server [-a <address>] -p <port> Print datagrams with their sender

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  netroad server -p 9991 --echo               Echo server
  echo "Hello World!" | netroad client -a 127.0.0.1 -p 9991
  netroad server -p 9991 --broadcast --relay localhost:6379
  netroad -c netroad.yaml
`)
}
