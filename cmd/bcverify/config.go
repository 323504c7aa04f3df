package main

import (
	"context"
	"fmt"

	"github.com/orizon-lang/bcverify/internal/cli"
	"github.com/orizon-lang/bcverify/internal/config"
)

func cmdConfig(_ context.Context, e *env, args []string) int {
	fs := e.flags("config")
	protocol := fs.Uint64("protocol", 0, "start from the preset of this protocol version")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	c, err := withProtocol(e.cfg, *protocol)
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitUsage
	}

	action := "print"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}
	switch action {
	case "print":
		if err := writeJSON(e.stdout, c); err != nil {
			e.log.Error("%v", err)
			return cli.ExitFailure
		}
		fmt.Fprintf(e.stdout, "fingerprint: %s\n", c.Fingerprint())

	case "validate":
		if fs.NArg() != 2 {
			fs.Usage()
			return cli.ExitUsage
		}
		loaded, err := config.Load(fs.Arg(1))
		if err != nil {
			fmt.Fprintf(e.stdout, "%s: invalid: %v\n", fs.Arg(1), err)
			return cli.ExitRejected
		}
		fmt.Fprintf(e.stdout, "%s: valid (protocol %d, fingerprint %s)\n", fs.Arg(1), loaded.ProtocolVersion, loaded.Fingerprint())

	case "save":
		if fs.NArg() != 2 {
			fs.Usage()
			return cli.ExitUsage
		}
		if err := c.Save(fs.Arg(1)); err != nil {
			e.log.Error("%v", err)
			return cli.ExitFailure
		}
		e.log.Info("wrote %s", fs.Arg(1))

	default:
		fs.Usage()
		return cli.ExitUsage
	}
	return cli.ExitOK
}

func cmdVersion(_ context.Context, e *env, args []string) int {
	fs := e.flags("version")
	jsonOut := fs.Bool("json", false, "print version information as JSON")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	cli.PrintVersion(e.stdout, toolName, cli.GetVersionInfo(config.LatestProtocolVersion), *jsonOut)
	return cli.ExitOK
}
