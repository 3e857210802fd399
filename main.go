package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tarm/serial"
	"golang.org/x/sync/errgroup"

	"github.com/RoanBrand/CommandLink/commands"
	"github.com/RoanBrand/CommandLink/comwrapper"
	"github.com/RoanBrand/CommandLink/config"
	"github.com/RoanBrand/CommandLink/logging"
	"github.com/RoanBrand/CommandLink/metrics"
	"github.com/RoanBrand/CommandLink/protocol"
)

const version = "1.0.0"

// Exit codes.
const (
	exitSendFailed       = 1
	exitBadConfig        = 2
	exitNoMessage        = 3
	exitUnknownTransport = 4
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

type cliFlags struct {
	configPath  string
	genConfig   string
	encoding    string
	delay       float64
	host        string
	listen      bool
	port        int
	tries       int
	raw         string
	transport   string
	timeout     float64
	verbose     bool
	veryVerbose bool
	waitStr     string
	wrap        string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitBadConfig)
	}
}

func newRootCommand() *cobra.Command {
	f := &cliFlags{}
	cmd := &cobra.Command{
		Use:   "commandlink [flags] [message...]",
		Short: "Send or serve line based text commands over TCP, UDP, multicast UDP or serial.",
		Long: `Sends a text command, e.g. "set title=Hello", to a listener and prints its
response, or with --listen serves commands until an "exit" command arrives.`,
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f, args)
		},
	}
	bindFlags(cmd, f)
	return cmd
}

func bindFlags(cmd *cobra.Command, f *cliFlags) {
	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", config.DefaultFile, "YAML config file.")
	fl.StringVar(&f.genConfig, "gen-config", "", "Write an example config to this path and exit.")
	fl.StringVarP(&f.encoding, "char-encoding", "e", "", "Character encoding of the message text.")
	fl.Float64VarP(&f.delay, "delay", "d", 0, "Hold this many seconds around each send.")
	fl.StringVarP(&f.host, "host", "H", "", "Host of this link (multicast: the group address).")
	fl.BoolVarP(&f.listen, "listen", "l", false, "Listen and serve requests on this link.")
	fl.IntVarP(&f.port, "port", "p", 0, "Port to send to. Default net:7700, serial:0.")
	fl.IntVarP(&f.tries, "tries", "r", 0, "Number of times to try before giving up.")
	fl.StringVarP(&f.raw, "raw", "R", "", "Send the message verbatim. (true/false, on/off, 1/0)")
	fl.StringVarP(&f.transport, "transport", "t", "", `How to connect: "tcp", "udp", "multicast-udp" or "serial".`)
	fl.Float64VarP(&f.timeout, "timeout", "T", 0, "Seconds to wait before giving up.")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "Enable verbose output.")
	fl.BoolVarP(&f.veryVerbose, "very-verbose", "V", false, "Enable debugging output.")
	fl.StringVarP(&f.waitStr, "waitstr", "w", "", "Wait for this greeting before sending.")
	fl.StringVarP(&f.wrap, "wrap", "W", "", "Add header and trailing newline to the message. (true/false, on/off, 1/0)")
}

func run(cmd *cobra.Command, f *cliFlags, args []string) error {
	if f.genConfig != "" {
		if err := config.WriteExampleConfig(f.genConfig); err != nil {
			return &exitError{exitBadConfig, err}
		}
		fmt.Printf("Example config written to %s\n", f.genConfig)
		return nil
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return &exitError{exitBadConfig, err}
	}
	if err := applyFlags(cmd, f, cfg); err != nil {
		return &exitError{exitBadConfig, err}
	}
	if err := cfg.Validate(); err != nil {
		return &exitError{configExitCode(err), err}
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return &exitError{exitBadConfig, err}
	}
	defer log.Sync()
	switch {
	case f.veryVerbose:
		log.SetLevel("debug")
	case f.verbose:
		log.SetLevel("info")
	}

	message := strings.Join(args, " ")
	if message == "" && !cfg.Listen {
		cmd.Help()
		return &exitError{exitNoMessage, errors.New("no message given")}
	}

	transport, err := newTransport(cfg)
	if err != nil {
		return &exitError{configExitCode(err), err}
	}
	log.Debugw("options", "transport", transport.String(), "link", cfg.Link)

	if !cfg.Listen {
		opts := cfg.LinkOptions()
		opts.Logger = log.SugaredLogger
		link := protocol.NewLink(transport, opts)
		defer link.Close()
		resp, err := link.Send(message)
		if err != nil {
			return &exitError{exitSendFailed, err}
		}
		if resp != "" {
			fmt.Println(resp)
		}
		return nil
	}
	return listen(f, cfg, transport, log)
}

func listen(f *cliFlags, cfg *config.Config, transport protocol.Transport, log *logging.Logger) error {
	var server *metrics.Server
	opts := cfg.LinkOptions()
	opts.Logger = log.SugaredLogger
	if cfg.Metrics.Enabled {
		server = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		opts.Metrics = metrics.NewLinkMetrics(server.Registry())
	}
	link := protocol.NewLink(transport, opts)

	ns := commands.NewMapNamespace()
	for name, v := range cfg.Variables {
		ns.Share(name, v)
	}
	env := &commands.Env{
		Namespace: ns,
		TempDir:   cfg.TempDir,
		Log:       log.SugaredLogger,
	}
	handlers := commands.Builtins(env)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		var err error
		if _, ok := transport.(*comwrapper.Serial); ok && cfg.Reopen {
			err = comwrapper.ListenAndServe(gctx, link, handlers, log.SugaredLogger)
		} else {
			err = link.Listen(gctx, handlers)
		}
		if errors.Is(err, protocol.ErrInterrupted) {
			log.Info("interrupted, shutting down.")
			return nil
		}
		return err
	})
	if server != nil {
		g.Go(func() error {
			log.Infow("metrics server started", "listen", cfg.Metrics.Listen)
			return server.Run(gctx)
		})
	}
	if path, ok := config.Locate(f.configPath); ok {
		levelPinned := f.verbose || f.veryVerbose
		g.Go(func() error {
			return config.Watch(gctx, path, log.SugaredLogger, func(c *config.Config) {
				if levelPinned || c.Log.Level == "" {
					return
				}
				if err := log.SetLevel(c.Log.Level); err != nil {
					log.Warnw("log level not applied", "error", err)
				}
			})
		})
	}

	err := g.Wait()
	env.Countdown.Cancel()
	return err
}

// applyFlags overrides config values with the flags given on the command line.
func applyFlags(cmd *cobra.Command, f *cliFlags, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	if changed("transport") {
		cfg.Transport = f.transport
	}
	if changed("listen") {
		cfg.Listen = f.listen
	}
	if changed("char-encoding") {
		cfg.Link.Encoding = f.encoding
	}
	if changed("delay") {
		cfg.Link.Delay = f.delay
	}
	if changed("tries") {
		cfg.Link.Tries = f.tries
	}
	if changed("timeout") {
		cfg.Link.Timeout = f.timeout
	}
	if changed("waitstr") {
		cfg.Link.WaitStr = f.waitStr
	}
	multicast := config.NormalizeTransport(cfg.Transport) == config.TransportMulticast
	serialPort := config.NormalizeTransport(cfg.Transport) == config.TransportSerial
	if changed("host") {
		if multicast {
			cfg.Net.Group = f.host
		} else {
			cfg.Net.Host = f.host
		}
	}
	if changed("port") {
		if serialPort {
			cfg.Serial.Index = f.port
			cfg.Serial.Port = ""
		} else {
			cfg.Net.Port = f.port
		}
	}
	if changed("raw") {
		v, err := parseSwitch(f.raw)
		if err != nil {
			return fmt.Errorf("--raw: %w", err)
		}
		cfg.Link.Raw = v
	}
	if changed("wrap") {
		v, err := parseSwitch(f.wrap)
		if err != nil {
			return fmt.Errorf("--wrap: %w", err)
		}
		cfg.Link.Wrap = v
	}
	return nil
}

func configExitCode(err error) int {
	if errors.Is(err, config.ErrUnknownTransport) {
		return exitUnknownTransport
	}
	return exitBadConfig
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "on", "1":
		return true, nil
	case "false", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected true/false, on/off or 1/0, got %q", s)
}

func newTransport(cfg *config.Config) (protocol.Transport, error) {
	switch config.NormalizeTransport(cfg.Transport) {
	case config.TransportTCP:
		return protocol.NewTCP(cfg.Net.Host, cfg.Net.Port), nil
	case config.TransportUDP:
		return protocol.NewUDP(cfg.Net.Host, cfg.Net.Port), nil
	case config.TransportMulticast:
		return protocol.NewMulticast(cfg.Net.Group, cfg.Net.Port, cfg.Net.TTL), nil
	case config.TransportSerial:
		name := cfg.Serial.Port
		if name == "" {
			name = comwrapper.PortName(cfg.Serial.Index)
		}
		parity, err := comwrapper.ParseParity(cfg.Serial.Parity)
		if err != nil {
			return nil, err
		}
		stopBits, err := comwrapper.ParseStopBits(cfg.Serial.StopBits)
		if err != nil {
			return nil, err
		}
		return comwrapper.NewSerial(serial.Config{
			Name:     name,
			Baud:     cfg.Serial.Baud,
			Size:     byte(cfg.Serial.Size),
			Parity:   parity,
			StopBits: stopBits,
		}), nil
	}
	return nil, fmt.Errorf("%w %q", config.ErrUnknownTransport, cfg.Transport)
}
