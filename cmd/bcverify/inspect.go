package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/peterh/liner"

	"github.com/orizon-lang/bcverify/internal/bounds"
	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/cfg"
	"github.com/orizon-lang/bcverify/internal/cli"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
	"github.com/orizon-lang/bcverify/internal/linker"
	"github.com/orizon-lang/bcverify/internal/loader"
	"github.com/orizon-lang/bcverify/internal/verifier"
)

var shellCommands = []string{"functions", "cfg", "verify", "dump", "help", "quit"}

// shell answers inspection commands over one loaded module.
type shell struct {
	file     *loader.File
	verifier *verifier.Verifier
	deps     linker.Resolver
	// structural is the bounds failure of a malformed module. Commands that
	// walk the module are refused while it is set.
	structural *verrors.VerificationError
}

func newShell(f *loader.File, v *verifier.Verifier, deps linker.Resolver) *shell {
	return &shell{file: f, verifier: v, deps: deps, structural: bounds.Check(f.Module, v.Config())}
}

func (s *shell) help(w io.Writer) {
	fmt.Fprintln(w, "  functions          list function definitions")
	fmt.Fprintln(w, "  cfg <fn>           print the control-flow graph of a function")
	fmt.Fprintln(w, "  verify [fn]        verify the module, optionally showing one function")
	fmt.Fprintln(w, "  dump [fn]          dump the module or one function definition")
	fmt.Fprintln(w, "  quit               leave the shell")
}

// function resolves a function by name or definition index.
func (s *shell) function(arg string) (bc.FunctionDefinitionIndex, error) {
	m := s.file.Module
	if fn, ok := m.FindFunction(arg); ok {
		return fn, nil
	}
	i, err := strconv.Atoi(arg)
	if err != nil || i < 0 || i >= len(m.FunctionDefs) {
		return 0, fmt.Errorf("no function %q", arg)
	}
	return bc.FunctionDefinitionIndex(i), nil
}

// exec runs one command line. It reports false when the shell should exit.
func (s *shell) exec(ctx context.Context, w io.Writer, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "quit", "exit", "q":
		return false
	case "help", "h", "?":
		s.help(w)
		return true
	case "dump":
		if len(args) == 0 {
			fmt.Fprint(w, spew.Sdump(s.file.Module))
			return true
		}
	}

	if s.structural != nil {
		fmt.Fprintf(w, "module is malformed: %s\n", s.structural.Diagnostic())
		return true
	}
	m := s.file.Module
	switch cmd {
	case "functions", "fns":
		for i := range m.FunctionDefs {
			fd := m.FunctionDef(bc.FunctionDefinitionIndex(i))
			kind := "native"
			if fd.Code != nil {
				kind = fmt.Sprintf("%d instructions", len(fd.Code.Code))
			}
			entry := ""
			if fd.IsEntry {
				entry = " entry"
			}
			fmt.Fprintf(w, "  %3d  %-24s %s%s, %s\n", i, m.FunctionName(bc.FunctionDefinitionIndex(i)), fd.Visibility, entry, kind)
		}

	case "cfg":
		if len(args) != 1 {
			fmt.Fprintln(w, "usage: cfg <fn>")
			return true
		}
		fn, err := s.function(args[0])
		if err != nil {
			fmt.Fprintln(w, err)
			return true
		}
		fd := m.FunctionDef(fn)
		if fd.Code == nil {
			fmt.Fprintf(w, "%s is native\n", m.FunctionName(fn))
			return true
		}
		g, verr := cfg.Build(int(fn), fd.Code, s.verifier.Config())
		if verr != nil {
			fmt.Fprintln(w, verr.Diagnostic())
			return true
		}
		fmt.Fprint(w, g.Render(fd.Code.Code))

	case "verify":
		fn := -1
		if len(args) == 1 {
			f, err := s.function(args[0])
			if err != nil {
				fmt.Fprintln(w, err)
				return true
			}
			fn = int(f)
		}
		verdict, err := s.verifier.VerifyModule(ctx, m, s.deps)
		if err != nil {
			fmt.Fprintln(w, err)
			return true
		}
		shown := 0
		for _, d := range verdict.Diagnostics {
			if fn < 0 || d.Location.Function == fn {
				fmt.Fprintf(w, "  %s\n", d)
				shown++
			}
		}
		switch {
		case fn >= 0 && shown == 0:
			fmt.Fprintf(w, "%s: no diagnostics\n", m.FunctionName(bc.FunctionDefinitionIndex(fn)))
		case verdict.Accepted:
			fmt.Fprintln(w, "module accepted")
		default:
			fmt.Fprintln(w, "module rejected")
		}

	case "dump":
		fn, err := s.function(args[0])
		if err != nil {
			fmt.Fprintln(w, err)
			return true
		}
		fmt.Fprint(w, spew.Sdump(m.FunctionDef(fn)))

	default:
		fmt.Fprintf(w, "unknown command %q, try help\n", cmd)
	}
	return true
}

// complete offers command names and then function names.
func (s *shell) complete(line string) []string {
	var out []string
	cmd, rest, found := strings.Cut(line, " ")
	if !found {
		for _, c := range shellCommands {
			if strings.HasPrefix(c, cmd) {
				out = append(out, c)
			}
		}
		return out
	}
	if s.structural != nil {
		return nil
	}
	for i := range s.file.Module.FunctionDefs {
		name := s.file.Module.FunctionName(bc.FunctionDefinitionIndex(i))
		if strings.HasPrefix(name, strings.TrimSpace(rest)) {
			out = append(out, cmd+" "+name)
		}
	}
	return out
}

func historyPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "bcverify", "inspect_history")
}

func cmdInspect(ctx context.Context, e *env, args []string) int {
	fs := e.flags("inspect")
	var deps listFlag
	fs.Var(&deps, "deps", "module file or directory providing dependencies (repeatable)")
	store := fs.String("registry", "", "file registry whose latest modules provide dependencies")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return cli.ExitUsage
	}

	f, err := loader.LoadFile(fs.Arg(0))
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitFailure
	}
	v, err := verifier.New(e.cfg)
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitUsage
	}
	external, err := loadDependencies(ctx, v, deps, *store)
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitFailure
	}
	s := newShell(f, v, external)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(s.complete)
	hist := historyPath()
	if hist != "" {
		if hf, err := os.Open(hist); err == nil {
			_, _ = line.ReadHistory(hf)
			hf.Close()
		}
	}

	name := filepath.Base(f.Path)
	fmt.Fprintf(e.stdout, "%s: %d functions, %s encoding. Type help for commands.\n", name, len(f.Module.FunctionDefs), f.Encoding)
	for ctx.Err() == nil {
		input, err := line.Prompt(name + "> ")
		if err != nil {
			if !errors.Is(err, liner.ErrPromptAborted) && !errors.Is(err, io.EOF) {
				e.log.Error("%v", err)
			}
			break
		}
		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}
		if !s.exec(ctx, e.stdout, input) {
			break
		}
	}

	if hist != "" {
		if err := os.MkdirAll(filepath.Dir(hist), 0o755); err == nil {
			if hf, err := os.Create(hist); err == nil {
				_, _ = line.WriteHistory(hf)
				hf.Close()
			}
		}
	}
	return cli.ExitOK
}
