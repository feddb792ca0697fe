package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/wudi/pdfops"
	"github.com/wudi/pdfops/jobs"
	"github.com/wudi/pdfops/observability"
)

const usage = `Usage:
  pdfops merge -o out.pdf a.pdf b.pdf...
  pdfops split -o dir in.pdf
  pdfops rotate -deg 90 [-pages 1-3,5] -o out.pdf in.pdf
  pdfops compress [-quality 75] [-scale 0.75] -o out.pdf in.pdf
`

type options struct {
	command string
	inputs  []string
	output  string
	degrees int
	pages   []int
	quality int
	scale   float64
	verbose bool
}

// errUsage marks argument errors; they exit with status 2.
var errUsage = errors.New("usage")

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "pdfops: %v\n", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	interactive := term.IsTerminal(int(os.Stderr.Fd()))
	if err := run(ctx, opts, newLogger(os.Stderr, opts.verbose, interactive), progress(os.Stderr, interactive)); err != nil {
		fmt.Fprintf(os.Stderr, "pdfops: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return options{}, fmt.Errorf("%w: missing command", errUsage)
	}
	opts := options{command: args[0]}
	fs := flag.NewFlagSet("pdfops "+opts.command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.output, "o", "", "Output file, or directory for split")
	fs.BoolVar(&opts.verbose, "v", false, "Log debug messages")

	var pages string
	switch opts.command {
	case "merge", "split":
	case "rotate":
		fs.IntVar(&opts.degrees, "deg", 0, "Rotation in degrees, a multiple of 90")
		fs.StringVar(&pages, "pages", "", "Pages to rotate, e.g. 1-3,5 (default all)")
	case "compress":
		fs.IntVar(&opts.quality, "quality", 75, "JPEG quality of rewritten images (1-100)")
		fs.Float64Var(&opts.scale, "scale", 0.75, "Scale factor applied to image dimensions")
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stderr, usage)
		return options{}, flag.ErrHelp
	default:
		fmt.Fprint(stderr, usage)
		return options{}, fmt.Errorf("%w: unknown command %q", errUsage, opts.command)
	}
	if err := fs.Parse(args[1:]); err != nil {
		return options{}, err
	}
	opts.inputs = fs.Args()

	switch {
	case opts.output == "":
		return options{}, fmt.Errorf("%w: %s: -o is required", errUsage, opts.command)
	case len(opts.inputs) == 0:
		return options{}, fmt.Errorf("%w: %s: no input file", errUsage, opts.command)
	case opts.command != "merge" && len(opts.inputs) != 1:
		return options{}, fmt.Errorf("%w: %s takes exactly one input file", errUsage, opts.command)
	}
	if opts.command == "rotate" {
		p, err := pdfops.ParsePageRanges(pages)
		if err != nil {
			return options{}, fmt.Errorf("%w: %v", errUsage, err)
		}
		opts.pages = p
	}
	return opts, nil
}

func newLogger(w io.Writer, verbose, interactive bool) observability.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewJSONHandler(w, hopts)
	if interactive {
		h = slog.NewTextHandler(w, hopts)
	}
	return observability.NewSlogLogger(slog.New(h))
}

// progress returns the function that reports finished jobs, or nil when
// stderr is not a terminal.
func progress(w io.Writer, interactive bool) func(jobs.Outcome) {
	if !interactive {
		return nil
	}
	return func(o jobs.Outcome) {
		status := "done"
		if o.Err != nil {
			status = "failed"
		}
		fmt.Fprintf(w, "%s %s in %s\n", o.Name, status, o.Elapsed.Round(time.Millisecond))
	}
}

func run(ctx context.Context, opts options, logger observability.Logger, report func(jobs.Outcome)) error {
	cfg := pdfops.DefaultConfig()
	cfg.Logger = logger
	if opts.quality > 0 {
		cfg.Optimize.ImageQuality = opts.quality
	}
	if opts.scale > 0 {
		cfg.Optimize.ImageScale = opts.scale
	}
	engine := pdfops.New(cfg)

	var task jobs.Task
	switch opts.command {
	case "merge":
		task = func(ctx context.Context) error { return engine.Merge(ctx, opts.inputs, opts.output) }
	case "split":
		task = func(ctx context.Context) error { return engine.Split(ctx, opts.inputs[0], opts.output) }
	case "rotate":
		task = func(ctx context.Context) error {
			return engine.Rotate(ctx, opts.inputs[0], opts.output, opts.degrees, opts.pages)
		}
	case "compress":
		task = func(ctx context.Context) error { return engine.Recompress(ctx, opts.inputs[0], opts.output) }
	default:
		return fmt.Errorf("unknown command %q", opts.command)
	}

	pool := jobs.NewPool(1, logger)
	defer pool.Close()
	name := opts.command + " " + strings.Join(opts.inputs, " ")
	o := <-pool.Submit(ctx, name, task)
	if report != nil {
		report(o)
	}
	return o.Err
}
