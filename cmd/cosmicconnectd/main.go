// Command cosmicconnectd runs the device-to-device companion daemon:
// identity announcement, pairing, and plugin-routed packet exchange
// with trusted peers on the local network.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sort"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/cosmicconnect/config"
	"github.com/malbeclabs/cosmicconnect/internal/corectx"
	"github.com/malbeclabs/cosmicconnect/internal/device"
	"github.com/malbeclabs/cosmicconnect/internal/metrics"
	"github.com/malbeclabs/cosmicconnect/internal/netchange"
	"github.com/malbeclabs/cosmicconnect/internal/plugin"
	"github.com/malbeclabs/cosmicconnect/internal/plugins/ping"
)

var (
	configPath string

	version = "dev"
	commit  = "none"
	date    = "unknown"

	cfg  config.Config
	core *corectx.Core
)

var rootCmd = &cobra.Command{
	Use:   "cosmicconnectd",
	Short: "COSMIC Connect companion daemon",
	Long:  `cosmicconnectd discovers, pairs with, and routes plugin packets to nearby trusted devices.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd == versionCmd {
			return nil
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := config.NewLogger(cfg, os.Stderr)

		core, err = corectx.New(corectx.Config{
			IdentityPath: cfg.IdentityPath,
			DisplayName:  cfg.DisplayName,
			DeviceType:   cfg.DeviceType,
			Router:       builtinRouter(cfg.DisabledPlugins),
			LinkPriority: device.DefaultLinkPriority,
			NetWatcher:   netchange.NewWatcher(log),
			Log:          log,
		})
		if err != nil {
			return fmt.Errorf("initialize core: %w", err)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cosmicconnectd %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := config.NewLogger(cfg, os.Stderr)
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

		if cfg.MetricsAddr != "" {
			go serveMetrics(cfg.MetricsAddr, log)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		log.Info("cosmicconnectd starting",
			"deviceId", core.IdentityStore.LocalID(),
			"displayName", cfg.DisplayName,
		)
		if err := core.Run(ctx); err != nil {
			log.Error("daemon exited with error", "error", err)
			return err
		}
		log.Info("cosmicconnectd stopped")
		return nil
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Inspect known devices",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices currently known to the registry",
	Run: func(cmd *cobra.Command, args []string) {
		snapshot := core.DeviceRegistry.Snapshot()

		ids := make([]string, 0, len(snapshot))
		for id := range snapshot {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		table := tablewriter.NewWriter(os.Stdout)
		table.SetAutoWrapText(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
		table.SetHeader([]string{"Device ID", "Reachable", "Pair State"})
		for _, id := range ids {
			d := snapshot[id]
			table.Append([]string{d.ID(), fmt.Sprintf("%v", d.Reachable()), d.PairStateName()})
		}
		table.Render()
	},
}

var devicesShowCmd = &cobra.Command{
	Use:   "show <device-id>",
	Short: "Show detail for a single known device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showDevice(args[0])
	},
}

func showDevice(deviceID string) error {
	registered, ok := core.DeviceRegistry.Get(deviceID)
	if !ok {
		return fmt.Errorf("unknown device %q", deviceID)
	}

	fmt.Printf("Device ID:   %s\n", registered.ID())
	fmt.Printf("Reachable:   %v\n", registered.Reachable())
	fmt.Printf("Pair state:  %s\n", registered.PairStateName())

	d, ok := registered.(*device.Device)
	if !ok {
		return nil
	}
	info := d.Info()
	fmt.Printf("Name:        %s\n", info.Name)
	fmt.Printf("Type:        %s\n", info.Type)
	if info.ProtocolVersion != 0 {
		fmt.Printf("Protocol:    %d\n", info.ProtocolVersion)
	}

	if keys := d.ActivePluginKeys(); len(keys) > 0 {
		fmt.Printf("Plugins:     %s\n", strings.Join(keys, ", "))
	} else {
		fmt.Println("Plugins:     (none active)")
	}
	return nil
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Enable or disable a plugin for a specific paired device",
}

var pluginsEnableCmd = &cobra.Command{
	Use:   "enable <device-id> <plugin-key>",
	Short: "Enable a plugin for a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPluginEnabled(args[0], args[1], true)
	},
}

var pluginsDisableCmd = &cobra.Command{
	Use:   "disable <device-id> <plugin-key>",
	Short: "Disable a plugin for a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPluginEnabled(args[0], args[1], false)
	},
}

func setPluginEnabled(deviceID, key string, enabled bool) error {
	registered, ok := core.DeviceRegistry.Get(deviceID)
	if !ok {
		return fmt.Errorf("unknown device %q", deviceID)
	}
	d, ok := registered.(*device.Device)
	if !ok {
		return fmt.Errorf("device %q: unexpected registry entry type", deviceID)
	}
	return d.SetPluginEnabled(key, enabled)
}

func serveMetrics(addr string, log interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to start metrics listener", "error", err)
		return
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.Serve(listener, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}

// builtinRouter returns the statically known plugin set shipped with
// this binary, leaving out every plugin whose key is in disabled.
func builtinRouter(disabled []string) *plugin.Router {
	var regs []plugin.Registration
	for _, reg := range []plugin.Registration{ping.Registration()} {
		if !slices.Contains(disabled, reg.Descriptor.Key) {
			regs = append(regs, reg)
		}
	}
	return plugin.NewRouter(regs...)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional)")

	cobra.EnableCommandSorting = false

	devicesCmd.AddCommand(devicesListCmd)
	devicesCmd.AddCommand(devicesShowCmd)
	pluginsCmd.AddCommand(pluginsEnableCmd)
	pluginsCmd.AddCommand(pluginsDisableCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(pluginsCmd)
}

func main() {
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
