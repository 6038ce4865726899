// Command elproxy runs an EchoLink proxy server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/n0call/elproxy/pkg/elproxy"
)

const version = "1.2.3o"

var opt struct {
	Debug      bool
	Quiet      bool
	Version    bool
	Help       bool
	LogFile    string
	Syslog     bool
	EventLog   bool
	Foreground bool
}

func init() {
	pflag.BoolVar(&opt.Debug, "debug", false, "Enable debug logging")
	pflag.BoolVar(&opt.Quiet, "quiet", false, "Suppress all but warning/error logging")
	pflag.BoolVar(&opt.Version, "version", false, "Print the version and exit")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVarP(&opt.LogFile, "logfile", "L", "", "Write logs to the given file")
	pflag.BoolVarP(&opt.Syslog, "syslog", "S", false, "Log to syslog (unix only)")
	pflag.BoolVarP(&opt.EventLog, "eventlog", "E", false, "Log to the Windows event log")
	pflag.BoolVarP(&opt.Foreground, "foreground", "F", false, "Stay in the foreground (default; kept for CLI compatibility)")
}

func main() {
	pflag.Parse()

	if opt.Version {
		fmt.Println(version)
		os.Exit(0)
	}
	if pflag.NArg() != 1 || opt.Help {
		fmt.Printf("usage: %s [options] config_file\n\noptions:\n%s\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(0)
		}
		os.Exit(2)
	}

	f, err := os.Open(pflag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open config file: %v\n", err)
		os.Exit(1)
	}
	c, err := elproxy.ParseConfigFile(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	if err := c.UnmarshalEnv(os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse environment: %v\n", err)
		os.Exit(1)
	}
	applyLogFlags(c)

	p, err := elproxy.NewProxy(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize proxy: %v\n", err)
		os.Exit(1)
	}
	if err := p.Open(); err != nil {
		fmt.Fprintf(os.Stderr, "error: open proxy: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: start proxy: %v\n", err)
		os.Exit(1)
	}

	if c.AdminAddr != "" {
		go func() {
			if err := p.ServeAdmin(ctx, c.AdminAddr); err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintf(os.Stderr, "warning: admin listener: %v\n", err)
			}
		}()
	}

	hch := make(chan os.Signal, 1)
	signal.Notify(hch, syscall.SIGHUP)
	go func() {
		for range hch {
			p.HandleSIGHUP()
		}
	}()

	<-ctx.Done()

	if err := p.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "error: shutdown: %v\n", err)
	}
	if err := p.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "error: close: %v\n", err)
		os.Exit(1)
	}
}

// applyLogFlags layers the CLI's --debug/--quiet/-L flags on top of the
// config's ambient (environment-sourced) logging fields, matching the
// original CLI's flag precedence over defaults.
func applyLogFlags(c *elproxy.Config) {
	switch {
	case opt.Debug:
		c.LogLevel = parseLevelOrDefault("debug", c.LogLevel)
	case opt.Quiet:
		c.LogLevel = parseLevelOrDefault("warn", c.LogLevel)
	}
	if opt.LogFile != "" {
		c.LogFile = opt.LogFile
	}
	if opt.Syslog {
		fmt.Fprintln(os.Stderr, "warning: -S/--syslog is not supported in this build; falling back to stdout logging")
		c.LogStdout = true
	}
	if opt.EventLog {
		fmt.Fprintln(os.Stderr, "warning: -E/--eventlog is not supported in this build; falling back to stdout logging")
		c.LogStdout = true
	}
	if !c.LogStdout && c.LogFile == "" {
		c.LogStdout = true
	}
}

func parseLevelOrDefault(s string, def zerolog.Level) zerolog.Level {
	if lvl, err := zerolog.ParseLevel(s); err == nil {
		return lvl
	}
	return def
}
