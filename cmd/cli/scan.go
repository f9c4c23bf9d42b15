package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packetrake/packetrake/internal/config"
	"github.com/packetrake/packetrake/internal/engine"
	"github.com/packetrake/packetrake/internal/logging"
	"github.com/packetrake/packetrake/internal/metrics"
	"github.com/packetrake/packetrake/internal/netio"
	"github.com/packetrake/packetrake/internal/output"
	"github.com/packetrake/packetrake/internal/scan"
	"github.com/packetrake/packetrake/internal/targets"
)

var scanFlags struct {
	ports        string
	techniques   []string
	rate         float64
	timeout      time.Duration
	maxRetries   int
	parallelism  int
	ttl          int
	badChecksum  bool
	fragmentSize int
	zombie       string
	zombiePort   int
	dnsServer    string
	noProgress   bool
	output       string
}

var scanCmd = &cobra.Command{
	Use:   "scan [targets...]",
	Short: "Scan targets for open ports",
	Long: `Scan one or more targets. Targets may be IP addresses, CIDR ranges or
hostnames. Raw techniques (everything except connect) need root or
CAP_NET_RAW.`,
	Example: `  packetrake scan 192.168.1.0/24 -p 22,80,443
  packetrake scan -t fin,xmas 10.0.0.5 -p 1-1024
  packetrake scan -t idle --zombie 10.0.0.9 10.0.0.5 -p 80`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScan,
}

func init() {
	registerScanFlags(scanCmd.Flags())
	rootCmd.AddCommand(scanCmd)
}

func registerScanFlags(f *pflag.FlagSet) {
	f.StringVarP(&scanFlags.ports, "ports", "p", "", "port specification (e.g. '80,443' or '1-1024')")
	f.StringSliceVarP(&scanFlags.techniques, "technique", "t", nil, "scan techniques: syn, connect, fin, null, xmas, ack, udp, idle")
	f.Float64Var(&scanFlags.rate, "rate", 0, "probes per second")
	f.DurationVar(&scanFlags.timeout, "timeout", 0, "per-probe response deadline")
	f.IntVar(&scanFlags.maxRetries, "max-retries", -1, "re-probes for loss-prone techniques")
	f.IntVar(&scanFlags.parallelism, "parallelism", 0, "concurrent task budget (0 = automatic)")
	f.IntVar(&scanFlags.ttl, "ttl", 0, "override the IP time-to-live")
	f.BoolVar(&scanFlags.badChecksum, "bad-checksum", false, "send probes with corrupted transport checksums")
	f.IntVar(&scanFlags.fragmentSize, "fragment-size", 0, "split probes into IP fragments of this many bytes")
	f.StringVar(&scanFlags.zombie, "zombie", "", "idle-scan relay host")
	f.IntVar(&scanFlags.zombiePort, "zombie-port", 0, "idle-scan relay port")
	f.StringVar(&scanFlags.dnsServer, "dns-server", "", "DNS server for hostname resolution")
	f.BoolVar(&scanFlags.noProgress, "no-progress", false, "disable the progress bar")
	f.StringVarP(&scanFlags.output, "output", "o", "", "write results to an XML file")
}

func runScan(cmd *cobra.Command, args []string) error {
	mergeScanFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.Default()

	techniques := cfg.Techniques()
	if needsRawSockets(techniques) && !netio.Privileged() {
		return fmt.Errorf("raw scan techniques need root or CAP_NET_RAW; " +
			"rerun with sudo or use the connect technique")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ports, err := targets.ParsePorts(cfg.Scan.Ports)
	if err != nil {
		return err
	}
	resolver := targets.NewDNSResolver(scanFlags.dnsServer, logger)
	addrs, err := targets.Expand(ctx, args, resolver)
	if err != nil {
		return err
	}

	transport, source, err := openTransport(techniques, addrs[0], logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	if cfg.Metrics.Enabled {
		startMetricsServer(ctx, logger)
	}

	memSink := engine.NewMemorySink()
	var sink engine.ResultSink = memSink
	total := len(techniques) * len(addrs) * len(ports)
	if !scanFlags.noProgress {
		sink = engine.NewMultiSink(memSink, newProgressSink(total))
	}

	eng, err := engine.New(engine.Config{
		Techniques:    techniques,
		Targets:       addrs,
		Ports:         ports,
		SourceAddr:    source,
		Zombie:        cfg.ZombieAddr(),
		Timeout:         cfg.Scan.Timeout,
		Rate:            cfg.Rate.PacketsPerSecond,
		Parallelism:     cfg.Scan.Parallelism,
		MaxRetries:      cfg.Scan.MaxRetries,
		DrainInterval:   cfg.Scan.DrainInterval,
		TrackerCapacity: cfg.Scan.TrackerCapacity,
		SweepInterval:   cfg.Scan.SweepInterval,
		GroupFloor:      cfg.Rate.GroupFloor,
		GroupCeiling:    cfg.Rate.GroupCeiling,
		ProbeSpacing:    cfg.Idle.ProbeSpacing,
		Evasion:         cfg.EvasionSettings(),
		Sink:            sink,
	}, transport, logger)
	if err != nil {
		return err
	}

	started := time.Now()
	summary, err := eng.Run(ctx)
	if err != nil {
		logger.Warn("scan interrupted", "reason", err)
	}

	if scanFlags.output != "" {
		report := output.BuildReport(eng.RunID(), started, summary.Duration, memSink.Results())
		if err := output.SaveXML(report, scanFlags.output); err != nil {
			return err
		}
		logger.Info("results written", "path", scanFlags.output)
	}

	displayResults(memSink.Results())
	fmt.Printf("\nScanned %d ports on %d hosts in %s (%d results)\n",
		len(ports), len(addrs), summary.Duration.Round(time.Millisecond), summary.Results)
	return nil
}

// mergeScanFlags lets explicitly set flags override the config file.
func mergeScanFlags(cmd *cobra.Command, cfg *config.Config) {
	if scanFlags.ports != "" {
		cfg.Scan.Ports = scanFlags.ports
	}
	if len(scanFlags.techniques) > 0 {
		cfg.Scan.Techniques = scanFlags.techniques
	}
	if scanFlags.rate > 0 {
		cfg.Rate.PacketsPerSecond = scanFlags.rate
	}
	if scanFlags.timeout > 0 {
		cfg.Scan.Timeout = scanFlags.timeout
	}
	if scanFlags.maxRetries >= 0 {
		cfg.Scan.MaxRetries = scanFlags.maxRetries
	}
	if scanFlags.parallelism > 0 {
		cfg.Scan.Parallelism = scanFlags.parallelism
	}
	if cmd.Flags().Changed("ttl") {
		cfg.Evasion.TTL = scanFlags.ttl
	}
	if scanFlags.badChecksum {
		cfg.Evasion.BadChecksum = true
	}
	if cmd.Flags().Changed("fragment-size") {
		cfg.Evasion.FragmentSize = scanFlags.fragmentSize
	}
	if scanFlags.zombie != "" {
		cfg.Idle.Zombie = scanFlags.zombie
	}
	if scanFlags.zombiePort > 0 {
		cfg.Idle.ZombiePort = scanFlags.zombiePort
	}
}

func needsRawSockets(techniques []scan.Technique) bool {
	for _, t := range techniques {
		if t != scan.TechniqueConnect {
			return true
		}
	}
	return false
}

// openTransport opens the raw socket set when any technique needs it and
// determines the source address for crafted probes. Connect-only scans
// run unprivileged over a no-op transport.
func openTransport(techniques []scan.Technique, firstTarget netip.Addr, logger *logging.Logger) (engine.Transport, netip.Addr, error) {
	if !needsRawSockets(techniques) {
		return engine.NoopTransport{}, netip.Addr{}, nil
	}

	sockets, err := netio.Open(logger)
	if err != nil {
		return nil, netip.Addr{}, err
	}
	if err := netio.DropPrivileges(logger); err != nil {
		logger.Warn("could not drop privileges", "error", err)
	}

	source, err := netio.LocalAddr(firstTarget)
	if err != nil {
		sockets.Close()
		return nil, netip.Addr{}, err
	}
	return sockets, source, nil
}

// startMetricsServer exposes the Prometheus registry for the run.
func startMetricsServer(ctx context.Context, logger *logging.Logger) {
	pm := metrics.GetGlobalMetrics()
	go pm.StartPeriodicUpdates(ctx, 10*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(pm.GetRegistry(), promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              cfg.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", cfg.Metrics.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

// displayResults renders scan results as a table ordered by target,
// port and technique.
func displayResults(results []scan.Result) {
	if len(results) == 0 {
		fmt.Println("No results.")
		return
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Target != results[j].Target {
			return results[i].Target.Less(results[j].Target)
		}
		if results[i].Port != results[j].Port {
			return results[i].Port < results[j].Port
		}
		return results[i].Technique < results[j].Technique
	})

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Target", "Port", "Proto", "State", "RTT", "Technique")
	for i := range results {
		r := &results[i]
		_ = table.Append([]string{
			r.Target.String(),
			fmt.Sprintf("%d", r.Port),
			string(r.Protocol),
			string(r.State),
			formatRTT(r.RTT),
			string(r.Technique),
		})
	}
	_ = table.Render()
}

func formatRTT(rtt time.Duration) string {
	if rtt <= 0 {
		return "-"
	}
	return rtt.Round(10 * time.Microsecond).String()
}

// progressSink advances a progress bar as batches drain.
type progressSink struct {
	bar *progressbar.ProgressBar
}

func newProgressSink(total int) *progressSink {
	return &progressSink{
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetDescription("scanning"),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		),
	}
}

func (s *progressSink) Consume(_ context.Context, batch []scan.Result) error {
	return s.bar.Add(len(batch))
}
