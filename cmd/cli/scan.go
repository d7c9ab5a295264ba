package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	json "github.com/goccy/go-json"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/anstrom/portgate/internal/config"
	"github.com/anstrom/portgate/internal/events"
	"github.com/anstrom/portgate/internal/metrics"
	"github.com/anstrom/portgate/internal/probe"
	"github.com/anstrom/portgate/internal/scanning"
	"github.com/anstrom/portgate/internal/tasks"
)

// Output formats.
const (
	outputTable = "table"
	outputJSON  = "json"
)

type scanOptions struct {
	ports            string
	scanType         string
	timeout          time.Duration
	scanTimeout      time.Duration
	maxConcurrent    int
	requireReachable bool
	force            bool
	noService        bool
	noBanner         bool
	noOS             bool
	noAdaptive       bool
	all              bool
	output           string
	save             string
	noProgress       bool
}

var scanOpts scanOptions

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan <target>",
	Short: "Scan the ports of one host",
	Long: `Scan one IP address or hostname. Ports are probed in priority order
(well-known services first); open ports are fingerprinted for services and,
when TTL or window evidence is available, the operating system is guessed.

SYN, FIN, NULL and XMAS scans need a raw socket and therefore root or
CAP_NET_RAW.`,
	Example: `  portgate scan 192.168.1.10
  portgate scan example.com -p 22,80,443
  portgate scan 10.0.0.5 -p 1-1024 --type syn --require-reachable
  portgate scan 10.0.0.5 -p 53,161 --type udp --output json
  portgate scan 10.0.0.5 --save scan.xml`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	addScanFlags(scanCmd.Flags(), &scanOpts)
	scanCmd.MarkFlagsMutuallyExclusive("require-reachable", "force")
}

func addScanFlags(f *pflag.FlagSet, o *scanOptions) {
	f.StringVarP(&o.ports, "ports", "p", "", "ports to scan, e.g. '22,80,443' or '1-1024' (default from config)")
	f.StringVarP(&o.scanType, "type", "t", "", "scan type: connect, syn, fin, null, xmas, udp (default from config)")
	f.DurationVar(&o.timeout, "timeout", 0, "initial per-probe timeout (default from config)")
	f.DurationVar(&o.scanTimeout, "scan-timeout", 0, "deadline for the whole scan (default from config)")
	f.IntVar(&o.maxConcurrent, "max-concurrent", 0, "cap on in-flight probes (default from config)")
	f.BoolVar(&o.requireReachable, "require-reachable", false, "fail fast when the host answers on none of the common ports")
	f.BoolVar(&o.force, "force", false, "bypass the result cache")
	f.BoolVar(&o.noService, "no-service", false, "skip service detection")
	f.BoolVar(&o.noBanner, "no-banner", false, "omit banners from results")
	f.BoolVar(&o.noOS, "no-os", false, "skip OS fingerprinting")
	f.BoolVar(&o.noAdaptive, "no-adaptive", false, "keep concurrency and timeout fixed")
	f.BoolVarP(&o.all, "all", "a", false, "list closed and filtered ports too")
	f.StringVarP(&o.output, "output", "o", outputTable, "output format: table or json")
	f.StringVar(&o.save, "save", "", "also write the result to this file as XML")
	f.BoolVar(&o.noProgress, "no-progress", false, "disable the progress bar")
}

// scanConfig overlays the command flags on the configured defaults.
func (o *scanOptions) scanConfig(cfg *config.Config) (scanning.ScanConfig, error) {
	sc := scanDefaults(cfg)
	if o.scanType != "" {
		t, err := probe.ParseScanType(o.scanType)
		if err != nil {
			return sc, err
		}
		sc.ScanType = t
	}
	if o.timeout > 0 {
		sc.Timeout = o.timeout
	}
	if o.scanTimeout > 0 {
		sc.ScanTimeout = o.scanTimeout
	}
	if o.maxConcurrent > 0 {
		sc.MaxConcurrent = o.maxConcurrent
	}
	sc.RequireReachable = o.requireReachable
	sc.Force = o.force
	if o.noService {
		sc.ServiceDetection = false
	}
	if o.noBanner {
		sc.BannerGrabbing = false
	}
	if o.noOS {
		sc.OSDetection = false
	}
	if o.noAdaptive {
		sc.AdaptiveScanning = false
	}
	return sc, sc.Validate()
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanOpts.output != outputTable && scanOpts.output != outputJSON {
		return fmt.Errorf("invalid output format %q (want table or json)", scanOpts.output)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := initLogging(cfg)

	sc, err := scanOpts.scanConfig(cfg)
	if err != nil {
		return err
	}
	ports := scanOpts.ports
	if ports == "" {
		ports = cfg.Engine.DefaultPorts
	}

	comps, err := buildComponents(cfg, logger, metrics.Nop{}, sc.ScanType.RequiresRaw())
	if err != nil {
		return err
	}
	defer comps.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	table := scanOpts.output == outputTable
	progress := newProgressSink(cmd.ErrOrStderr(), table && !scanOpts.noProgress && isTerminal(cmd.ErrOrStderr()))

	runner, err := tasks.New(comps.orchestrator, taskConfig(cfg),
		tasks.WithEventSinks(func(string) events.Sink { return progress }),
		tasks.WithLogger(logger))
	if err != nil {
		return err
	}

	task, err := runner.PerformScan(ctx, "", args[0], ports, sc)
	progress.finish()
	if task != nil && task.Result != nil {
		if perr := printResult(out, task.Result, scanOpts.output, table && isTerminal(out)); perr != nil {
			return perr
		}
		if scanOpts.save != "" {
			if serr := scanning.SaveResults(task.Result, scanOpts.save); serr != nil {
				return fmt.Errorf("failed to save results: %w", serr)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	if task != nil && task.Status == tasks.StatusCancelled {
		return context.Canceled
	}
	return nil
}

func printResult(w io.Writer, res *scanning.Result, format string, colorize bool) error {
	if format == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return scanning.PrintResults(w, res, scanning.PrintOptions{All: scanOpts.all, Color: colorize})
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// progressSink renders scan events as a progress bar and open-port lines.
// Events arrive from probe goroutines.
type progressSink struct {
	mu  sync.Mutex
	w   io.Writer
	bar *progressbar.ProgressBar
}

func newProgressSink(w io.Writer, enabled bool) *progressSink {
	s := &progressSink{w: w}
	if enabled {
		s.bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(w),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionSetDescription("[cyan]scanning[reset]"),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "[green]=[reset]",
				SaucerHead:    "[green]>[reset]",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}
	return s
}

// Emit implements events.Sink.
func (s *progressSink) Emit(e events.Event) {
	if s.bar == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Type {
	case events.TypeOpenPort:
		_ = s.bar.Clear()
		line := fmt.Sprintf("%d/open", e.Port)
		if e.Service != "" {
			line += " " + e.Service
		}
		fmt.Fprintf(s.w, "\r%s\n", color.GreenString("[+] %s", line))
	case events.TypeGroupStart:
		s.bar.Describe(fmt.Sprintf("[cyan]%s[reset]", e.Priority))
	case events.TypeGroupComplete:
		_ = s.bar.Set(e.Progress)
	case events.TypeError:
		_ = s.bar.Clear()
		fmt.Fprintf(s.w, "\r%s\n", color.RedString("[!] %s", e.Message))
	}
}

func (s *progressSink) finish() {
	if s.bar == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.bar.Finish()
	fmt.Fprintln(s.w)
}
