package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/cli"
	"github.com/orizon-lang/bcverify/internal/depgraph"
	"github.com/orizon-lang/bcverify/internal/linker"
	"github.com/orizon-lang/bcverify/internal/loader"
	"github.com/orizon-lang/bcverify/internal/registry"
	"github.com/orizon-lang/bcverify/internal/verifier"
)

func cmdVerify(ctx context.Context, e *env, args []string) int {
	fs := e.flags("verify")
	var deps listFlag
	fs.Var(&deps, "deps", "module file or directory providing dependencies (repeatable)")
	store := fs.String("registry", "", "file registry whose latest modules provide dependencies")
	standalone := fs.Bool("standalone", false, "skip dependency linking")
	jsonOut := fs.Bool("json", false, "print the result as JSON")
	protocol := fs.Uint64("protocol", 0, "verify under the preset of this protocol version")
	parallel := fs.Int("parallel", -1, "functions verified concurrently (0 = unlimited)")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return cli.ExitUsage
	}

	c, err := withProtocol(e.cfg, *protocol)
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitUsage
	}
	if *parallel >= 0 {
		c.Parallelism = *parallel
	}
	var opts []verifier.Option
	if *standalone {
		opts = append(opts, verifier.WithoutLinking())
	}
	v, err := verifier.New(c, opts...)
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitUsage
	}

	files, err := loader.Load(ctx, fs.Args()...)
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitFailure
	}
	external, err := loadDependencies(ctx, v, deps, *store)
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitFailure
	}

	res, err := v.VerifyBundle(ctx, loader.Modules(files), external)
	if err != nil {
		e.log.Error("verification interrupted: %v", err)
		return cli.ExitFailure
	}
	if *jsonOut {
		if err := writeJSON(e.stdout, res); err != nil {
			e.log.Error("%v", err)
			return cli.ExitFailure
		}
	} else {
		printBundle(e.stdout, res, files)
	}
	if !res.Accepted {
		return cli.ExitRejected
	}
	return cli.ExitOK
}

// loadDependencies collects the modules imports resolve against: the
// latest versions of a file registry overlaid with dependency files.
func loadDependencies(ctx context.Context, v *verifier.Verifier, paths []string, storeDir string) (linker.Modules, error) {
	deps := linker.NewModules()
	if storeDir != "" {
		store, err := registry.OpenFileStore(storeDir)
		if err != nil {
			return nil, err
		}
		latest, err := registry.New(store, v).Latest(ctx)
		if err != nil {
			return nil, err
		}
		for _, m := range latest {
			deps.Add(m)
		}
	}
	if len(paths) > 0 {
		files, err := loader.Load(ctx, paths...)
		if err != nil {
			return nil, fmt.Errorf("load dependencies: %w", err)
		}
		for _, m := range loader.Modules(files) {
			if int(m.SelfHandle) >= len(m.ModuleHandles) {
				return nil, fmt.Errorf("load dependencies: module without a valid self handle")
			}
			deps.Add(m)
		}
	}
	return deps, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printBundle prints one line per verdict followed by its diagnostics.
func printBundle(w io.Writer, res *verifier.BundleResult, files []*loader.File) {
	paths := make(map[bc.ModuleID]string, len(files))
	for _, f := range files {
		if int(f.Module.SelfHandle) < len(f.Module.ModuleHandles) {
			paths[f.Module.SelfID()] = f.Path
		}
	}
	for _, d := range res.Diagnostics {
		fmt.Fprintf(w, "bundle: %s\n", d)
	}
	for _, v := range res.Verdicts {
		status := "accepted"
		if !v.Accepted {
			status = "rejected"
		}
		name := v.Module.String()
		if p, ok := paths[v.Module]; ok {
			name = fmt.Sprintf("%s (%s)", name, p)
		}
		fmt.Fprintf(w, "%s: %s [%d functions, %d blocks, %d instructions]\n",
			name, status, v.Stats.Functions, v.Stats.Blocks, v.Stats.Instructions)
		for _, d := range v.Diagnostics {
			fmt.Fprintf(w, "    %s\n", d)
		}
	}
}

func cmdGraph(ctx context.Context, e *env, args []string) int {
	fs := e.flags("graph")
	jsonOut := fs.Bool("json", false, "print the levels as JSON")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return cli.ExitUsage
	}
	files, err := loader.Load(ctx, fs.Args()...)
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitFailure
	}
	for _, f := range files {
		if int(f.Module.SelfHandle) >= len(f.Module.ModuleHandles) {
			e.log.Error("%s: module without a valid self handle", f.Path)
			return cli.ExitFailure
		}
	}
	g, err := depgraph.New(loader.Modules(files))
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitRejected
	}
	levels, err := g.Levels()
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitRejected
	}
	if *jsonOut {
		if err := writeJSON(e.stdout, levels); err != nil {
			e.log.Error("%v", err)
			return cli.ExitFailure
		}
		return cli.ExitOK
	}
	for i, level := range levels {
		fmt.Fprintf(e.stdout, "level %d:\n", i)
		for _, id := range level {
			fmt.Fprintf(e.stdout, "    %s", id)
			if ext := g.External(id); len(ext) > 0 {
				fmt.Fprintf(e.stdout, " (external: %v)", ext)
			}
			fmt.Fprintln(e.stdout)
		}
	}
	return cli.ExitOK
}
