package main

import (
	"fmt"

	"github.com/Sternrassler/dataverse-harvester/internal/config"
	"github.com/Sternrassler/dataverse-harvester/pkg/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// verbosity holds the -v / -q counters, which do not map onto a config key.
type verbosity struct {
	verbose int
	quiet   int
}

func newRootCmd() *cobra.Command {
	v := config.New()
	verb := &verbosity{}

	cmd := &cobra.Command{
		Use:   "dataverse-harvester <target>",
		Short: "Dump every Dataverse collection to JSON files",
		Long: `dataverse-harvester lists the entity definitions of a Dataverse instance,
walks every collection through OData paging and writes one JSON file per
collection. For each non-empty collection it also asks the server which
access rights the current user holds on a sample record.

The target may also come from DATAVERSE_HARVESTER_TARGET or a config file.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				v.Set("target", args[0])
			}
			// Header values may contain commas, so they bypass viper's flag CSV parsing.
			if cmd.Flags().Changed("header") {
				headers, _ := cmd.Flags().GetStringArray("header")
				v.Set("headers", headers)
			}
			if noProbe, _ := cmd.Flags().GetBool("no-probe"); noProbe {
				v.Set("probe", false)
			}
			if verb.verbose > 0 || verb.quiet > 0 {
				v.Set("log.level", string(logging.LevelFromVerbosity(verb.verbose, verb.quiet)))
			}

			cfg, err := config.Load(v)
			if err != nil {
				log.Error().Err(err).Msg("Invalid configuration")
				return err
			}

			logger := logging.Setup(logging.Config{
				Level:  logging.LogLevel(cfg.Log.Level),
				Pretty: cfg.Log.Pretty,
				Output: cmd.ErrOrStderr(),
			})

			return run(cmd.Context(), cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringArrayP("header", "H", nil, `default header sent with every request, "Name: value" (repeatable)`)
	f.StringP("proxy", "p", "", "HTTP proxy URL")
	f.StringP("api", "a", "v9.2", "Web API version")
	f.BoolP("insecure", "k", false, "skip TLS certificate verification")
	f.Duration("timeout", 0, "per-request timeout (default 30s)")
	f.StringP("output-dir", "o", "dump", "directory for collection files")
	f.StringSliceP("include", "i", nil, "only harvest these entity set names")
	f.StringSliceP("exclude", "e", nil, "skip these entity set names")
	f.IntP("concurrency", "c", 4, "number of collections harvested at once")
	f.Int("page-size", 5000, "odata.maxpagesize preference (0 omits the header)")
	f.Int("max-pages", 0, "per-collection page cap (0 = unlimited)")
	f.Float64("rate-limit", 0, "client-side requests per second (0 = unlimited)")
	f.Int("rate-burst", 1, "client-side rate limiter burst")
	f.Bool("no-probe", false, "skip the access probe")
	f.String("redis-addr", "", "redis address for the catalog cache")
	f.String("pushgateway", "", "Prometheus Pushgateway URL")
	f.Bool("log-pretty", false, "human-readable log output")
	f.String("config", "", "config file (yaml, json or toml)")
	f.CountVarP(&verb.verbose, "verbose", "v", "more logging (repeatable)")
	f.CountVarP(&verb.quiet, "quiet", "q", "less logging (repeatable)")

	cmd.AddCommand(newCheckAccessCmd())

	if err := bindFlags(v, f); err != nil {
		panic(fmt.Sprintf("bind flags: %v", err))
	}

	return cmd
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"proxy":       "proxy",
	"api":         "api_version",
	"insecure":    "insecure",
	"timeout":     "timeout",
	"output-dir":  "output_dir",
	"include":     "include",
	"exclude":     "exclude",
	"concurrency": "concurrency",
	"page-size":   "page_size",
	"max-pages":   "max_pages",
	"rate-limit":  "rate_limit",
	"rate-burst":  "rate_burst",
	"redis-addr":  "redis.addr",
	"pushgateway": "metrics.pushgateway",
	"log-pretty":  "log.pretty",
	"config":      config.KeyConfigFile,
}

func bindFlags(v *viper.Viper, f *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, f.Lookup(name)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
