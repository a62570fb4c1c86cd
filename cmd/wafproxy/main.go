package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wafproxy/wafproxy"
)

const shutdownTimeout = 15 * time.Second

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:           "wafproxy",
		Short:         "Reverse proxy web application firewall",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		RunE:  serve,
	}

	checkRulesCmd = &cobra.Command{
		Use:   "check-rules [dir]",
		Short: "Load a rule directory and report problems",
		Args:  cobra.MaximumNArgs(1),
		RunE:  checkRules,
	}

	checkRulesArgs = struct {
		dump   string
		strict bool
	}{}

	domainCmd = &cobra.Command{
		Use:   "domain",
		Short: "Edit the domains section of the config file",
	}

	domainAddCmd = &cobra.Command{
		Use:   "add <host> <upstream>",
		Short: "Add a domain",
		Args:  cobra.ExactArgs(2),
		RunE:  domainAdd,
	}

	domainAddArgs = struct {
		insecure      bool
		noPreserve    bool
		hostOverride  string
		threshold     int
		enabledRules  []int
		disabledRules []int
	}{}

	domainRemoveCmd = &cobra.Command{
		Use:   "remove <host>",
		Short: "Remove a domain",
		Args:  cobra.ExactArgs(1),
		RunE:  domainRemove,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "wafproxy.yaml", "path to the YAML config file")

	checkRulesCmd.Flags().StringVar(&checkRulesArgs.dump, "dump", "", "write the loaded rules to this file")
	checkRulesCmd.Flags().BoolVar(&checkRulesArgs.strict, "strict", false, "exit non-zero when any file or rule was skipped")

	domainAddCmd.Flags().BoolVar(&domainAddArgs.insecure, "insecure", false, "do not verify the upstream TLS certificate")
	domainAddCmd.Flags().BoolVar(&domainAddArgs.noPreserve, "no-preserve-host", false, "send the upstream host instead of the client Host header")
	domainAddCmd.Flags().StringVar(&domainAddArgs.hostOverride, "host-override", "", "fixed Host header for the upstream")
	domainAddCmd.Flags().IntVar(&domainAddArgs.threshold, "threshold", 0, "anomaly threshold for this domain")
	domainAddCmd.Flags().IntSliceVar(&domainAddArgs.enabledRules, "enabled-rules", nil, "only evaluate these rule ids")
	domainAddCmd.Flags().IntSliceVar(&domainAddArgs.disabledRules, "disabled-rules", nil, "skip these rule ids")

	domainCmd.AddCommand(domainAddCmd, domainRemoveCmd)
	rootCmd.AddCommand(serveCmd, checkRulesCmd, domainCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := wafproxy.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := wafproxy.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	pipeline, err := wafproxy.NewPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	pipeline.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/healthz", pipeline.HealthHandler())
	mux.Handle("/", pipeline)
	servers := []*http.Server{{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}}

	if cfg.MetricsListen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			pipeline.Metrics(),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		mmux := http.NewServeMux()
		mmux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mmux.Handle("/healthz", pipeline.HealthHandler())
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           mmux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		logger.Info("Listening", zap.String("addr", srv.Addr))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-errCh:
		logger.Error("Server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("Shutdown incomplete", zap.String("addr", srv.Addr), zap.Error(serr))
		}
	}
	return err
}

func checkRules(cmd *cobra.Command, args []string) error {
	dir := ""
	if len(args) == 1 {
		dir = args[0]
	} else {
		cfg, err := wafproxy.LoadConfig(configPath)
		if err != nil {
			return err
		}
		dir = cfg.RulesDir
	}

	rs, err := wafproxy.NewRuleLoader(nil).Load(dir)
	if err != nil {
		return err
	}
	report := rs.Report()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d rules loaded from %d files\n", rs.Len(), report.Files)

	files := make([]string, 0, len(report.FileErrors))
	for f := range report.FileErrors {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		fmt.Fprintf(out, "skipped file %s: %v\n", f, report.FileErrors[f])
	}
	for _, e := range report.RuleErrors {
		fmt.Fprintf(out, "skipped rule %s\n", e)
	}
	for _, id := range report.InertRules {
		r, _ := rs.Get(id)
		fmt.Fprintf(out, "inert rule %d: %v\n", id, r.CompileError())
	}
	for _, id := range report.DuplicateIDs {
		fmt.Fprintf(out, "duplicate rule id %d\n", id)
	}

	if checkRulesArgs.dump != "" {
		if err := wafproxy.DumpRulesToFile(rs, checkRulesArgs.dump); err != nil {
			return err
		}
	}
	problems := len(report.FileErrors) + len(report.RuleErrors) + len(report.InertRules) + len(report.DuplicateIDs)
	if checkRulesArgs.strict && problems > 0 {
		return fmt.Errorf("%d problems found", problems)
	}
	return nil
}

func domainAdd(cmd *cobra.Command, args []string) error {
	d := wafproxy.DomainConfig{
		Host:          args[0],
		Upstream:      args[1],
		HostOverride:  domainAddArgs.hostOverride,
		Threshold:     domainAddArgs.threshold,
		EnabledRules:  domainAddArgs.enabledRules,
		DisabledRules: domainAddArgs.disabledRules,
	}
	if domainAddArgs.insecure {
		verify := false
		d.VerifySSL = &verify
	}
	if domainAddArgs.noPreserve {
		preserve := false
		d.PreserveHost = &preserve
	}
	if err := wafproxy.AddDomain(configPath, d); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added %s -> %s\n", d.Host, d.Upstream)
	return nil
}

func domainRemove(cmd *cobra.Command, args []string) error {
	removed, err := wafproxy.RemoveDomain(configPath, args[0])
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("domain %q not found", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
	return nil
}
