package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/blunderer/cortex-tool/internal/arch"
	"github.com/blunderer/cortex-tool/internal/buffer"
	"github.com/blunderer/cortex-tool/internal/config"
	"github.com/blunderer/cortex-tool/internal/disasm"
	"github.com/blunderer/cortex-tool/internal/elfcore"
	"github.com/blunderer/cortex-tool/internal/logging"
	"github.com/blunderer/cortex-tool/internal/report"
	"github.com/blunderer/cortex-tool/internal/snapshot"
	"github.com/blunderer/cortex-tool/internal/watchdog"
)

var version = "0.3.0"

// readBufferSize is the read-ahead on a streamed input.
const readBufferSize = 64 << 10

// Options holds the command line of one run.
type Options struct {
	Input      string
	Output     string
	Exec       string
	ConfigFile string
	Version    bool

	Config *config.Config
}

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(stdin *os.File, stdout, stderr io.Writer) *cobra.Command {
	opts := &Options{}
	def := config.Default()

	var (
		format   string
		context  int
		archName string
		timeout  time.Duration
		spool    bool
		spoolDir string
		logLevel string
		color    bool
	)

	cmd := &cobra.Command{
		Use:   "cortex",
		Short: "Extract a crash report from a Linux ELF core dump",
		Long: `cortex reads a Linux ELF core dump, from a file or streamed on stdin by
the kernel core pattern pipe, and writes a text crash report or a reduced
core file holding only the notes, the code around the program counter and
the live part of the stack.

Sections (-f): gen, reg, cod, cal, aux, sta; def for gen,reg,cod,cal and
all for every section. bin writes a reduced core file instead of text,
txt switches back to text.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Version {
				fmt.Fprintf(stdout, "cortex version %s\n", version)
				return nil
			}

			cfg := config.Default()
			if opts.ConfigFile != "" {
				var err error
				if cfg, err = config.Load(opts.ConfigFile); err != nil {
					return err
				}
			}

			flags := cmd.Flags()
			if flags.Changed("format") {
				cfg.Format = format
			}
			if flags.Changed("context") {
				cfg.Context = context
			}
			if flags.Changed("arch") {
				cfg.Arch = archName
			}
			if flags.Changed("timeout") {
				cfg.Timeout = timeout
			}
			if flags.Changed("spool") {
				cfg.Spool = spool
			}
			if flags.Changed("spool-dir") {
				cfg.SpoolDir = spoolDir
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if flags.Changed("color") {
				cfg.Color = color
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			opts.Config = cfg
			return run(opts, stdin, stdout, stderr)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Input, "input", "i", "", "core file to read (default stdin)")
	flags.StringVarP(&opts.Output, "output", "o", "", "file to write the report to (default stdout)")
	flags.StringVarP(&opts.Exec, "exec", "e", "", "shell command that receives the report on its stdin")
	flags.StringVarP(&format, "format", "f", def.Format, "comma separated list of report sections")
	flags.IntVarP(&context, "context", "c", def.Context, "disassembly context size in bytes")
	flags.BoolVarP(&opts.Version, "version", "v", false, "show program version and exit")
	flags.StringVar(&opts.ConfigFile, "config", "", "YAML configuration file")
	flags.StringVar(&archName, "arch", def.Arch, fmt.Sprintf("architecture the core was produced on %v", arch.Names()))
	flags.DurationVar(&timeout, "timeout", def.Timeout, "give up when the input stays silent this long (0 disables)")
	flags.BoolVar(&spool, "spool", def.Spool, "buffer the whole input so segments may appear in any order")
	flags.StringVar(&spoolDir, "spool-dir", def.SpoolDir, "directory for the spool file (default $TMPDIR)")
	flags.StringVar(&logLevel, "log-level", def.Log.Level, "diagnostics level on stderr")
	flags.BoolVar(&color, "color", def.Color, "highlight report headings")
	cmd.MarkFlagsMutuallyExclusive("output", "exec")

	return cmd
}

// run loads the core and writes the report. Every file, spool and command
// it opens is closed on return; close failures are folded into the
// returned error.
func run(opts *Options, stdin *os.File, stdout, stderr io.Writer) (err error) {
	cfg := opts.Config
	logger := logging.NewWithComponent(cfg.Logging(stderr), "cortex")

	a, err := arch.New(cfg.Arch, cfg.ArchOptions())
	if err != nil {
		return err
	}
	sections, err := report.ParseFormat(cfg.Format)
	if err != nil {
		return err
	}

	var closers []io.Closer
	defer func() {
		err = closeAll(err, closers)
	}()

	in := stdin
	if opts.Input != "" && opts.Input != "-" {
		f, err := os.Open(opts.Input)
		if err != nil {
			return fmt.Errorf("cannot open core file: %w", err)
		}
		closers = append(closers, f)
		in = f
	}

	if err := watchdog.Wait(in, cfg.Timeout); err != nil {
		return fmt.Errorf("cannot read core file: %w", err)
	}

	var (
		src  *elfcore.Source
		pool *buffer.Manager
	)
	if cfg.Spool {
		pool, err = buffer.NewBufferManager(in, cfg.SpoolDir)
		if err != nil {
			return fmt.Errorf("cannot spool core file: %w", err)
		}
		closers = append(closers, pool)
		src = elfcore.NewSpooledSource(pool)
	} else {
		src = elfcore.NewSource(bufio.NewReaderSize(in, readBufferSize))
	}

	snap, err := snapshot.Load(src, a, logger)
	if err != nil {
		return fmt.Errorf("cannot load core file: %w", err)
	}
	defer snap.Close()

	// The snapshot holds copies of every segment it needs.
	if pool != nil {
		if err := pool.Release(0, pool.Size()); err != nil {
			logger.Debug().Err(err).Msg("failed to release spool")
		}
	}

	logger.Info().
		Str("arch", a.Name()).
		Str("format", sections.String()).
		Msgf("core of %s", report.Summary(snap))

	d, err := disasm.New(a.Name(), snap.Layout.ByteOrder)
	if err != nil {
		logger.Debug().Err(err).Msg("disassembly disabled")
	}

	out, finish, err := openOutput(opts, stdout, stderr)
	if err != nil {
		return err
	}

	rw := &report.Writer{
		Sections:     sections,
		Context:      cfg.Context,
		Disassembler: d,
		Color:        cfg.Color,
		Logger:       logger,
	}
	werr := rw.Write(out, snap)
	if werr != nil {
		werr = fmt.Errorf("cannot write report: %w", werr)
	}
	if ferr := finish(); ferr != nil {
		if werr == nil {
			return ferr
		}
		return multierror.Append(werr, ferr)
	}
	return werr
}

// openOutput opens the report destination only once the core has been
// parsed, so a bad input never truncates an existing output file. finish
// flushes the destination and closes it, waiting for the command with
// -e.
func openOutput(opts *Options, stdout, stderr io.Writer) (io.Writer, func() error, error) {
	switch {
	case opts.Exec != "":
		c := exec.Command("sh", "-c", opts.Exec)
		c.Stdout = stdout
		c.Stderr = stderr
		pipe, err := c.StdinPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("cannot open output: %w", err)
		}
		if err := c.Start(); err != nil {
			return nil, nil, fmt.Errorf("cannot open output: %w", err)
		}
		bw := bufio.NewWriter(pipe)
		return bw, func() error {
			var result *multierror.Error
			if err := bw.Flush(); err != nil {
				result = multierror.Append(result, err)
			}
			if err := pipe.Close(); err != nil {
				result = multierror.Append(result, err)
			}
			if err := c.Wait(); err != nil {
				result = multierror.Append(result, fmt.Errorf("command %q: %w", opts.Exec, err))
			}
			return result.ErrorOrNil()
		}, nil

	case opts.Output != "" && opts.Output != "-":
		f, err := os.Create(opts.Output)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot open output: %w", err)
		}
		bw := bufio.NewWriter(f)
		return bw, func() error {
			werr := bw.Flush()
			cerr := f.Close()
			if werr != nil {
				return werr
			}
			return cerr
		}, nil
	}

	bw := bufio.NewWriter(stdout)
	return bw, bw.Flush, nil
}

// closeAll closes closers in reverse order and folds their failures into
// err.
func closeAll(err error, closers []io.Closer) error {
	var result *multierror.Error
	for i := len(closers) - 1; i >= 0; i-- {
		if cerr := closers[i].Close(); cerr != nil {
			result = multierror.Append(result, cerr)
		}
	}
	if result == nil {
		return err
	}
	if err != nil {
		return multierror.Append(err, result.Errors...)
	}
	return result
}
