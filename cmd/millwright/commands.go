package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/millwright-cad/millwright/internal/config"
	"github.com/millwright-cad/millwright/internal/plugin"
	"github.com/millwright-cad/millwright/internal/rpc"
	"github.com/millwright-cad/millwright/internal/storage"
	"github.com/millwright-cad/millwright/internal/wire"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "millwright",
		Short:   "Millwright CAD/CAM plugin host",
		Long:    "Millwright manages sandboxed CAD/CAM plugins: installation,\nenablement, and the isolated runtime they execute in.",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}

	root.AddCommand(
		newListCommand(),
		newInstallCommand(),
		newUninstallCommand(),
		newEnableCommand(),
		newDisableCommand(),
		newUpdateCommand(),
		newRunCommand(),
	)
	return root
}

// runtime wires config, storage, registry, and lifecycle together for
// one CLI invocation.
type runtime struct {
	cfg        *config.Config
	lifecycle  *plugin.Lifecycle
	closeStore func() error
}

func openRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, closeStore: func() error { return nil }}

	var store plugin.Store
	if cfg.DBPath != "" {
		db, err := storage.OpenSQLite(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		store = db
		rt.closeStore = db.Close
	} else {
		fs, err := storage.OpenFileStore(cfg.SnapshotDir())
		if err != nil {
			return nil, err
		}
		store = fs
	}

	registry, err := plugin.NewRegistry(store)
	if err != nil {
		rt.closeStore() //nolint:errcheck
		return nil, err
	}

	router := rpc.NewRouter(rt.checkPermission)
	factory := plugin.NewHostFactory(cfg.Defaults(), wire.NewCodec(), router, nil)
	rt.lifecycle = plugin.NewLifecycle(registry, factory)
	return rt, nil
}

func (rt *runtime) close() {
	rt.closeStore() //nolint:errcheck
}

// checkPermission gates plugin requests on the live host's sandbox
// policy.
func (rt *runtime) checkPermission(pluginID, method string) bool {
	host, ok := rt.lifecycle.Host(pluginID)
	if !ok {
		return false
	}
	namespace, _, ok := rpc.SplitMethod(method)
	if !ok {
		return false
	}
	return host.Policy().NamespaceAuthorized(pluginID, namespace)
}

func (rt *runtime) bundleDir(id string) string {
	return filepath.Join(rt.cfg.PluginDir, id)
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			entries := rt.lifecycle.Registry().List()
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no plugins installed")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tSTATE\tENABLED\tERRORS")
			for _, entry := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%d\n",
					entry.ID, entry.Version, entry.State, entry.Enabled, entry.ErrorCount)
			}
			return w.Flush()
		},
	}
}

func newInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install <dir>",
		Short: "Install a plugin bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			// Validate before any disk mutation.
			staged, err := plugin.LoadManifestFile(args[0])
			if err != nil {
				return err
			}

			dst := rt.bundleDir(staged.ID)
			if err := storage.InstallBundle(dst, args[0]); err != nil {
				return err
			}

			installed, err := plugin.LoadManifestFile(dst)
			if err != nil {
				return err
			}
			entry, err := rt.lifecycle.Install(installed)
			if err != nil {
				os.RemoveAll(dst) //nolint:errcheck
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "installed %s %s (disabled)\n", entry.ID, entry.Version)
			return nil
		},
	}
}

func newUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <id>",
		Short: "Remove a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.lifecycle.Uninstall(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := os.RemoveAll(rt.bundleDir(args[0])); err != nil {
				return fmt.Errorf("remove bundle: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s\n", args[0])
			return nil
		},
	}
}

func newEnableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <id>",
		Short: "Enable a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.lifecycle.Enable(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enabled %s\n", args[0])
			return nil
		},
	}
}

func newDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.lifecycle.Disable(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disabled %s\n", args[0])
			return nil
		},
	}
}

func newUpdateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "update <dir>",
		Short: "Update an installed plugin from a new bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			staged, err := plugin.LoadManifestFile(args[0])
			if err != nil {
				return err
			}

			// Stop the old version before its files are swapped out.
			if err := rt.lifecycle.DeactivateAndUnload(cmd.Context(), staged.ID); err != nil {
				return err
			}

			dst := rt.bundleDir(staged.ID)
			if err := storage.InstallBundle(dst, args[0]); err != nil {
				return err
			}
			installed, err := plugin.LoadManifestFile(dst)
			if err != nil {
				return err
			}

			entry, err := rt.lifecycle.Update(cmd.Context(), installed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s to %s (disabled)\n", entry.ID, entry.Version)
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>...",
		Short: "Load and activate plugins, then wait for interrupt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			unsubscribe := rt.lifecycle.Registry().Subscribe(func(evt plugin.Event) {
				if evt.Type == plugin.EventError {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", evt.PluginID, evt.Err)
					return
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", evt.PluginID, evt.Type)
			})
			defer unsubscribe()

			for _, id := range args {
				if _, err := rt.lifecycle.LoadAndActivate(ctx, id); err != nil {
					rt.lifecycle.Shutdown(ctx) //nolint:errcheck
					return fmt.Errorf("activate %s: %w", id, err)
				}
			}

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-signals:
			case <-ctx.Done():
			}

			return rt.lifecycle.Shutdown(context.Background())
		},
	}
}
