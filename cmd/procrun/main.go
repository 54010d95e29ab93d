package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/guseggert/procrt/environment"
	"github.com/guseggert/procrt/internal/winargs"
	"github.com/guseggert/procrt/process"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "procrun",
		Usage: "start processes and inspect environments and command lines",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log process lifecycle events to stderr.",
				EnvVars: []string{"PROCRUN_VERBOSE"},
			},
		},
		Commands: []*cli.Command{runCommand, envCommand, quoteCommand},
	}
}

func logger(ctx *cli.Context) (*zap.SugaredLogger, error) {
	if !ctx.Bool("verbose") {
		return zap.NewNop().Sugar(), nil
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Sugar(), nil
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "run a program with the terminal's stdin, stdout and stderr and exit with its exit code",
	ArgsUsage: "-- PROGRAM [ARG...]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "dir", Usage: "Working directory of the program."},
		&cli.StringSliceFlag{Name: "env", Usage: "NAME=VALUE to set in the program's environment. Repeatable."},
		&cli.StringSliceFlag{Name: "unset", Usage: "NAME to remove from the program's environment. Repeatable."},
		&cli.BoolFlag{Name: "clear-env", Usage: "Start from an empty environment."},
		&cli.StringFlag{Name: "stdin", Usage: "Read stdin from this file."},
		&cli.StringFlag{Name: "stdout", Usage: "Write stdout to this file."},
		&cli.StringFlag{Name: "stderr", Usage: "Write stderr to this file."},
		&cli.BoolFlag{Name: "append", Usage: "Append to the --stdout and --stderr files instead of truncating them."},
		&cli.BoolFlag{Name: "merge-stderr", Usage: "Send stderr wherever stdout goes."},
		&cli.BoolFlag{Name: "allow-ambiguous", Usage: "Accept an unsplit, quoted program name (Windows only)."},
		&cli.DurationFlag{Name: "timeout", Usage: "Kill the program after this long. Zero means never."},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return cli.Exit("no program given", 2)
		}
		zlog, err := logger(ctx)
		if err != nil {
			return err
		}
		b := process.NewBuilder(ctx.Args().Slice()...).
			WithLogger(zlog).
			SetDirectory(ctx.String("dir")).
			SetAllowAmbiguousCommands(ctx.Bool("allow-ambiguous")).
			SetRedirectErrorStream(ctx.Bool("merge-stderr")).
			InheritIO()

		env := b.Environment()
		if ctx.Bool("clear-env") {
			env.Clear()
		}
		for _, name := range ctx.StringSlice("unset") {
			env.Unset(name)
		}
		for _, kv := range ctx.StringSlice("env") {
			name, value, ok := env.Flavor().SplitEntry(kv)
			if !ok {
				return cli.Exit(fmt.Sprintf("--env %q: want NAME=VALUE", kv), 2)
			}
			if err := env.Set(name, value); err != nil {
				return cli.Exit(fmt.Sprintf("--env %q: %s", kv, err), 2)
			}
		}
		if err := redirects(ctx, b); err != nil {
			return cli.Exit(err.Error(), 2)
		}

		p, err := b.Start()
		if err != nil {
			return cli.Exit(err.Error(), 127)
		}

		waitCtx := ctx.Context
		if d := ctx.Duration("timeout"); d > 0 {
			exited, err := p.WaitTimeout(waitCtx, d)
			if err != nil {
				return err
			}
			if !exited {
				zlog.Debugw("timed out, killing", "PID", p.Pid(), "Timeout", d)
				if err := p.DestroyForcibly(); err != nil {
					return fmt.Errorf("killing process: %w", err)
				}
			}
		}
		code, err := p.Wait(context.Background())
		if err != nil {
			return err
		}
		if code != 0 {
			return cli.Exit("", code)
		}
		return nil
	},
}

func redirects(ctx *cli.Context, b *process.Builder) error {
	if f := ctx.String("stdin"); f != "" {
		if err := b.RedirectInput(process.RedirectFrom(f)); err != nil {
			return err
		}
	}
	to := process.RedirectTo
	if ctx.Bool("append") {
		to = process.RedirectAppend
	}
	if f := ctx.String("stdout"); f != "" {
		if err := b.RedirectOutput(to(f)); err != nil {
			return err
		}
	}
	if f := ctx.String("stderr"); f != "" {
		if err := b.RedirectError(to(f)); err != nil {
			return err
		}
	}
	return nil
}

var envCommand = &cli.Command{
	Name:  "env",
	Usage: "print this process's environment as seen by the given flavor, sorted in block order",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "flavor", Usage: "One of [native,posix,windows].", Value: "native"},
		&cli.StringSliceFlag{Name: "set", Usage: "NAME=VALUE to apply before printing. Repeatable."},
		&cli.BoolFlag{Name: "block", Usage: "Write the raw NUL-separated environment block."},
	},
	Action: func(ctx *cli.Context) error {
		f, err := environment.FlavorByName(ctx.String("flavor"))
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		env := environment.New(f)
		for name, value := range environment.System().Map() {
			// names that are fine here may be invalid in the other flavor
			_ = env.Set(name, value)
		}
		for _, kv := range ctx.StringSlice("set") {
			name, value, ok := f.SplitEntry(kv)
			if !ok {
				return cli.Exit(fmt.Sprintf("--set %q: want NAME=VALUE", kv), 2)
			}
			if err := env.Set(name, value); err != nil {
				return cli.Exit(fmt.Sprintf("--set %q: %s", kv, err), 2)
			}
		}
		if ctx.Bool("block") {
			_, err := ctx.App.Writer.Write(env.Block(nil))
			return err
		}
		for _, kv := range env.Environ() {
			fmt.Fprintln(ctx.App.Writer, kv)
		}
		return nil
	},
}

var quoteCommand = &cli.Command{
	Name:      "quote",
	Usage:     "print the Windows command line for a program and arguments, or split one with --parse",
	ArgsUsage: "PROGRAM [ARG...]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "policy", Usage: "One of [native,script,legacy]. Defaults to the policy for PROGRAM."},
		&cli.BoolFlag{Name: "parse", Usage: "Split each argument as a command line and print one token per line."},
	},
	Action: func(ctx *cli.Context) error {
		args := ctx.Args().Slice()
		if len(args) == 0 {
			return cli.Exit("no program given", 2)
		}
		if ctx.Bool("parse") {
			for _, cmdline := range args {
				for _, tok := range winargs.Parse(cmdline) {
					fmt.Fprintln(ctx.App.Writer, tok)
				}
			}
			return nil
		}
		policy := winargs.PolicyFor(args[0])
		if s := ctx.String("policy"); s != "" {
			var err error
			policy, err = winargs.ParsePolicy(s)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
		}
		cmdline, err := winargs.Build(policy, args[0], args[1:])
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		fmt.Fprintln(ctx.App.Writer, cmdline)
		return nil
	},
}
