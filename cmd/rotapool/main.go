package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rotapool/rotapool"
)

var (
	debugFlag  bool
	configFile string
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "rotapool",
	Short: "Validate and monitor a pool of rotating proxy endpoints",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logLevel := slog.LevelInfo
		if debugFlag {
			logLevel = slog.LevelDebug
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate all configured endpoints once and print pool statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		pool, cleanup, err := buildPool(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer cleanup()
		defer pool.Close()

		stats := pool.Stats()

		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		printStats(stats)
		return nil
	},
}

// endpointConfig is one endpoint entry in the config file.
type endpointConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Protocol string `mapstructure:"protocol"`
	Country  string `mapstructure:"country"`
}

// buildPool reads the viper config and constructs a validated pool. The
// returned cleanup closes auxiliary resources such as the GeoIP database.
func buildPool(ctx context.Context, reg prometheus.Registerer) (*rotapool.Pool, func(), error) {
	cleanup := func() {}

	var entries []endpointConfig
	if err := viper.UnmarshalKey("endpoints", &entries); err != nil {
		return nil, cleanup, fmt.Errorf("parsing endpoints: %w", err)
	}
	if len(entries) == 0 {
		return nil, cleanup, fmt.Errorf("no endpoints configured")
	}

	endpoints := make([]*rotapool.Endpoint, 0, len(entries))
	for _, entry := range entries {
		opts := []rotapool.EndpointOption{}

		if entry.Protocol != "" {
			protocol, err := rotapool.ParseProtocol(entry.Protocol)
			if err != nil {
				return nil, cleanup, fmt.Errorf("endpoint %s:%d: %w", entry.Host, entry.Port, err)
			}
			opts = append(opts, rotapool.WithProtocol(protocol))
		}
		if entry.Username != "" || entry.Password != "" {
			opts = append(opts, rotapool.WithCredentials(entry.Username, entry.Password))
		}
		if entry.Country != "" {
			opts = append(opts, rotapool.WithCountry(entry.Country))
		}

		endpoint, err := rotapool.NewEndpoint(entry.Host, entry.Port, opts...)
		if err != nil {
			return nil, cleanup, fmt.Errorf("endpoint %s:%d: %w", entry.Host, entry.Port, err)
		}
		endpoints = append(endpoints, endpoint)
	}

	cfg := rotapool.Config{
		Logger:             logger,
		TestURL:            viper.GetString("test_url"),
		TestTimeout:        viper.GetDuration("test_timeout"),
		MinEndpoints:       viper.GetInt("min_endpoints"),
		MaxProbeWorkers:    viper.GetInt("max_probe_workers"),
		RevalidateInterval: viper.GetDuration("revalidate_interval"),
		Registerer:         reg,
	}

	if dbPath := viper.GetString("geoip_db"); dbPath != "" {
		resolver, err := rotapool.NewMaxMindResolver(dbPath)
		if err != nil {
			return nil, cleanup, err
		}
		cfg.Geo = resolver
		cleanup = func() { _ = resolver.Close() }
	}

	pool, err := rotapool.New(ctx, endpoints, cfg)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}

	return pool, cleanup, nil
}

func printStats(stats rotapool.PoolStats) {
	fmt.Printf("Endpoints:       %d\n", stats.Total)
	fmt.Printf("Reliable:        %d\n", stats.Reliable)
	fmt.Printf("Unreliable:      %d\n", stats.Unreliable)
	fmt.Printf("Avg latency:     %s\n", stats.AvgLatency.Round(time.Millisecond))
	fmt.Printf("Avg reliability: %.2f\n", stats.AvgReliability)

	if len(stats.CountryDistribution) > 0 {
		fmt.Println("Countries:")
		for country, count := range stats.CountryDistribution {
			fmt.Printf("  %s: %d\n", country, count)
		}
	}
}

func initConfig() {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("rotapool")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/rotapool")
	}

	viper.SetDefault("test_url", "https://httpbin.org/ip")
	viper.SetDefault("test_timeout", 10*time.Second)
	viper.SetDefault("min_endpoints", 1)

	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file")

	checkCmd.Flags().Bool("json", false, "Print statistics as JSON")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
