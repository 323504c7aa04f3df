// Command bcverify verifies bytecode modules, publishes them into a module
// registry and serves verification over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/orizon-lang/bcverify/internal/cli"
	"github.com/orizon-lang/bcverify/internal/config"
)

const toolName = "bcverify"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// env is the state shared by all subcommands.
type env struct {
	cfg     config.Config
	logging *cli.Logging
	log     *cli.Logger
	stdout  io.Writer
	stderr  io.Writer
	getenv  func(string) string
}

type command struct {
	info cli.CommandInfo
	run  func(ctx context.Context, e *env, args []string) int
}

func commands() []*command {
	return []*command{
		{info: cli.CommandInfo{
			Name:        "verify",
			Description: "Verify module files and directories",
			Usage:       "bcverify verify [OPTIONS] <path>...",
			Examples: []string{
				"bcverify verify ./build/coin.mvb",
				"bcverify verify -deps ./deps -json ./build",
			},
		}, run: cmdVerify},
		{info: cli.CommandInfo{
			Name:        "graph",
			Description: "Print the dependency levels of a set of modules",
			Usage:       "bcverify graph <path>...",
		}, run: cmdGraph},
		{info: cli.CommandInfo{
			Name:        "publish",
			Description: "Verify and publish modules into a file registry",
			Usage:       "bcverify publish -store <dir> (-version <v> <path> | -manifest <file>)",
			Examples: []string{
				"bcverify publish -store ./registry -version 1.0.0 -dep 0x1::coin@^1.0.0 wallet.mvb",
				"bcverify publish -store ./registry -manifest bundle.json",
			},
		}, run: cmdPublish},
		{info: cli.CommandInfo{
			Name:        "serve",
			Description: "Run the verification service",
			Usage:       "bcverify serve [OPTIONS]",
			Examples: []string{
				"bcverify serve -addr :8080 -store ./registry",
				"bcverify serve -addr :8443 -http3 :8443 -self-signed",
			},
		}, run: cmdServe},
		{info: cli.CommandInfo{
			Name:        "watch",
			Description: "Re-verify module files as they change",
			Usage:       "bcverify watch [OPTIONS] <dir>",
		}, run: cmdWatch},
		{info: cli.CommandInfo{
			Name:        "inspect",
			Description: "Explore a module interactively",
			Usage:       "bcverify inspect <file>",
		}, run: cmdInspect},
		{info: cli.CommandInfo{
			Name:        "config",
			Description: "Print, validate or save a configuration",
			Usage:       "bcverify config [print|validate <file>|save <file>]",
		}, run: cmdConfig},
		{info: cli.CommandInfo{
			Name:        "version",
			Description: "Show version information",
			Usage:       "bcverify version [-json]",
		}, run: cmdVersion},
	}
}

func lookup(name string) (*command, bool) {
	for _, c := range commands() {
		if c.info.Name == name {
			return c, true
		}
	}
	return nil, false
}

func usage(w io.Writer) {
	cs := commands()
	infos := make([]cli.CommandInfo, len(cs))
	for i, c := range cs {
		infos[i] = c.info
	}
	cli.PrintUsage(w, toolName, infos)
}

// run parses the global flags, sets up logging and configuration and
// dispatches to a subcommand. It returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(toolName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr) }
	configPath := fs.String("config", "", "path to a JSON configuration file")
	logLevel := fs.String("loglevel", "", "log level, optionally per subsystem (info,VRFY=debug)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cli.ExitOK
		}
		return cli.ExitUsage
	}

	rest := fs.Args()
	if len(rest) == 0 {
		usage(stderr)
		return cli.ExitUsage
	}
	switch rest[0] {
	case "help", "-h", "--help":
		usage(stdout)
		return cli.ExitOK
	}
	cmd, ok := lookup(rest[0])
	if !ok {
		fmt.Fprintf(stderr, "unknown command: %s\n\n", rest[0])
		usage(stderr)
		return cli.ExitUsage
	}

	logging, err := cli.SetupLogging(stderr, *logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return cli.ExitUsage
	}
	e := &env{
		logging: logging,
		log:     cli.NewLogger(logging.Subsystem(cli.SubsystemCLI)),
		stdout:  stdout,
		stderr:  stderr,
		getenv:  os.Getenv,
	}
	if e.cfg, err = loadConfig(*configPath, e.getenv); err != nil {
		e.log.Error("%v", err)
		return cli.ExitUsage
	}
	return cmd.run(ctx, e, rest[1:])
}

// loadConfig reads path, or starts from the latest preset when path is
// empty, and applies environment overrides.
func loadConfig(path string, getenv func(string) string) (config.Config, error) {
	c := config.Default()
	if path != "" {
		var err error
		if c, err = config.Load(path); err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
	}
	if err := c.ApplyEnv(getenv); err != nil {
		return config.Config{}, fmt.Errorf("config environment: %w", err)
	}
	return c, nil
}

// flags returns a flag set whose usage lists the command's flags.
func (e *env) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	fs.Usage = func() {
		c, ok := lookup(name)
		if !ok {
			return
		}
		info := c.info
		fs.VisitAll(func(f *flag.Flag) {
			info.Flags = append(info.Flags, cli.FlagInfo{Name: f.Name, Usage: f.Usage, Default: f.DefValue})
		})
		cli.PrintCommandUsage(e.stderr, toolName, info)
	}
	return fs
}

// parse parses args and reports the exit code to return when parsing did
// not succeed.
func parse(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cli.ExitOK, false
		}
		return cli.ExitUsage, false
	}
	return 0, true
}

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// withProtocol switches c to the preset of protocol, keeping the host-local
// settings. Zero keeps c.
func withProtocol(c config.Config, protocol uint64) (config.Config, error) {
	if protocol == 0 {
		return c, nil
	}
	p, err := config.ForProtocol(protocol)
	if err != nil {
		return config.Config{}, err
	}
	p.Parallelism = c.Parallelism
	p.ReportUnreachableCode = c.ReportUnreachableCode
	return p, nil
}
