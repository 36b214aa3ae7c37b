// Copyright (C) 2022 K2 Cyber Security Inc.

// Package cmds is the command tree of the detour inspection tool.
package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/k2io/detour"
	"github.com/k2io/detour/config"
	sym "github.com/k2io/detour/internal/objSymbols"
	"github.com/k2io/detour/proc"
)

var (
	// configPath is the YAML file given with --config.
	configPath string
	debug      bool

	symbolFilter string
	planFar      bool

	conf   *config.Config
	logger *zap.Logger
)

const longDesc = `detour inspects binaries and processes for function hooking.

It lists the symbols a hook can target, shows what a CodePatch hook would
overwrite and relocate, and reports the threads a hardware breakpoint hook
would have to cover.`

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:           "detour",
		Short:         "Inspect hook targets.",
		Long:          longDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				logger.Sync()
			}
		},
	}
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "YAML file with hook defaults and targets.")
	rootCommand.PersistentFlags().BoolVar(&debug, "debug", false, "Enable development logging.")

	symbolsCommand := &cobra.Command{
		Use:   "symbols <binary>",
		Short: "List the symbols of an executable.",
		Args:  cobra.ExactArgs(1),
		RunE:  symbolsCmd,
	}
	symbolsCommand.Flags().StringVar(&symbolFilter, "filter", "", "Only list symbols containing this text.")
	rootCommand.AddCommand(symbolsCommand)

	planCommand := &cobra.Command{
		Use:   "plan <binary> [symbol...]",
		Short: "Show how the configured hooks would be applied.",
		Long: `Decodes the prologue of each symbol from the file and prints the
instructions a CodePatch redirect covers. Without symbols the hooks of the
configuration file are planned.`,
		Args: cobra.MinimumNArgs(1),
		RunE: planCmd,
	}
	planCommand.Flags().BoolVar(&planFar, "far", false, "Assume the stub is out of rel32 reach.")
	rootCommand.AddCommand(planCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "watch <binary>",
		Short: "Plan the configured hooks again whenever --config changes.",
		Args:  cobra.ExactArgs(1),
		RunE:  watchCmd,
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "threads <pid>",
		Short: "List the threads of a process.",
		Args:  cobra.ExactArgs(1),
		RunE:  threadsCmd,
	})

	return rootCommand
}

func setup() error {
	conf = config.Default()
	if configPath != "" {
		var err error
		if conf, err = config.Load(configPath); err != nil {
			return err
		}
	}
	l, err := conf.Logger(debug)
	if err != nil {
		return err
	}
	logger = l
	detour.SetLogger(l)
	return nil
}

func symbolsCmd(cmd *cobra.Command, args []string) error {
	syms, err := detour.GetSymbols(args[0])
	if err != nil {
		return err
	}
	names := maps.Keys(syms)
	if symbolFilter != "" {
		kept := names[:0]
		for _, n := range names {
			if strings.Contains(n, symbolFilter) {
				kept = append(kept, n)
			}
		}
		names = kept
	}
	slices.Sort(names)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 1, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(w, "%#x\t%s\n", syms[name], name)
	}
	return w.Flush()
}

func planCmd(cmd *cobra.Command, args []string) error {
	hooks, err := targets(args[1:])
	if err != nil {
		return err
	}
	return planAll(cmd.OutOrStdout(), args[0], hooks)
}

// targets turns command line symbols into hook specs, or falls back to the
// configured ones.
func targets(symbols []string) ([]config.HookSpec, error) {
	if len(symbols) == 0 {
		if len(conf.Hooks) == 0 {
			return nil, errors.New("no symbols given and none configured")
		}
		return conf.Hooks, nil
	}
	hooks := make([]config.HookSpec, len(symbols))
	for i, s := range symbols {
		hooks[i] = config.HookSpec{Symbol: s}
	}
	return hooks, nil
}

func planAll(out io.Writer, binary string, hooks []config.HookSpec) error {
	img, err := sym.Open(binary)
	if err != nil {
		return err
	}
	defer img.Close()
	syms, err := cachedSymbols(binary, img)
	if err != nil {
		return err
	}

	var failed int
	for _, h := range hooks {
		p, err := planHook(img, syms, h.Symbol, conf.Resolve(h.HookConfig), planFar)
		if err != nil {
			failed++
			logger.Warn("cannot plan", zap.String("symbol", h.Symbol), zap.Error(err))
			fmt.Fprintf(out, "%s: %v\n\n", h.Symbol, err)
			continue
		}
		p.WriteTo(out)
		fmt.Fprintln(out)
	}
	if failed > 0 {
		return errors.Errorf("%d of %d hooks cannot be applied", failed, len(hooks))
	}
	return nil
}

func watchCmd(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return errors.New("watch needs --config")
	}
	out := cmd.OutOrStdout()
	if err := planAll(out, args[0], conf.Hooks); err != nil {
		logger.Warn("plan", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	w := config.NewWatcher(configPath, func(c *config.Config) {
		conf = c
		if err := planAll(out, args[0], c.Hooks); err != nil {
			logger.Warn("plan", zap.Error(err))
		}
	}, logger.Named("config"))
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()
	<-ctx.Done()
	return nil
}

func threadsCmd(cmd *cobra.Command, args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return errors.WithMessagef(err, "pid %q", args[0])
	}
	p, err := proc.Attach(pid)
	if err != nil {
		return err
	}
	if p.Threads == nil {
		return errors.WithMessagef(proc.ErrUnsupported, "threads of %d", pid)
	}
	tids, err := p.Threads.ThreadIDs()
	if err != nil {
		return err
	}
	for _, tid := range tids {
		fmt.Fprintln(cmd.OutOrStdout(), tid)
	}
	return nil
}
