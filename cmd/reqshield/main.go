package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/developingchet/reqshield/internal/config"
	"github.com/developingchet/reqshield/internal/logger"
	"github.com/developingchet/reqshield/internal/server"
	"github.com/developingchet/reqshield/internal/waf"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "reqshield",
		Short:         "Adaptive request protection in front of an HTTP service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		healthcheckCmd(),
		versionCmd(),
		rulesCmd(),
	)
	return root
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the protection daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg, os.Stderr)
	log.Info().Str("version", Version).Str("backend", cfg.CacheBackend).
		Str("upstream", cfg.UpstreamURL).Msg("reqshield starting")

	svc, err := server.New(cfg, Version, log)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := svc.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("reqshield stopped")
	return nil
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				return fmt.Errorf("healthcheck failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthcheck returned %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "reqshield %s\n", Version)
		},
	}
}

// rulesCmd inspects firewall rule sets without starting the daemon.
func rulesCmd() *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate firewall rules",
	}

	var file, output string
	list := &cobra.Command{
		Use:   "list",
		Short: "Print the effective rule set",
		RunE: func(cmd *cobra.Command, args []string) error {
			specs := waf.DefaultRuleSpecs()
			if file != "" {
				custom, err := waf.LoadFile(file)
				if err != nil {
					return err
				}
				specs = mergeSpecs(specs, custom)
			}
			return writeRules(cmd.OutOrStdout(), specs, output)
		},
	}
	list.Flags().StringVarP(&file, "file", "f", "", "rules file merged over the built-in catalog")
	list.Flags().StringVarP(&output, "output", "o", "yaml", "output format: yaml or json")

	validate := &cobra.Command{
		Use:   "validate [FILE]",
		Short: "Compile the catalog and FILE (default $WAF_RULES_FILE); exit non-zero on the first error",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, spec := range waf.DefaultRuleSpecs() {
				if _, err := waf.Compile(spec); err != nil {
					return err
				}
			}
			path := os.Getenv("WAF_RULES_FILE")
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "built-in catalog: %d rules OK\n", len(waf.DefaultRuleSpecs()))
				return nil
			}
			specs, err := waf.LoadFile(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules OK\n", path, len(specs))
			return nil
		},
	}

	rules.AddCommand(list, validate)
	return rules
}

// mergeSpecs overlays custom on base by id, in priority order.
func mergeSpecs(base, custom []waf.RuleSpec) []waf.RuleSpec {
	byID := make(map[string]int, len(base))
	out := append([]waf.RuleSpec(nil), base...)
	for i, s := range out {
		byID[s.ID] = i
	}
	for _, s := range custom {
		if i, ok := byID[s.ID]; ok {
			out[i] = s
			continue
		}
		byID[s.ID] = len(out)
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func writeRules(w io.Writer, specs []waf.RuleSpec, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(waf.RuleFile{Rules: specs}); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(specs)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// buildLogger constructs a zerolog.Logger based on config. Configured secrets
// are masked wherever they appear in output.
func buildLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	redactWriter := logger.NewRedactWriter(out, cfg.AdminToken, cfg.RedisPassword, cfg.CrowdSecLAPIKey)
	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = redactWriter
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		base = zerolog.New(redactWriter).Level(level).With().Timestamp().Logger()
	}
	return base
}
