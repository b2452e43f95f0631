package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/S1riyS/vfs-switch/internal/config"
	"github.com/S1riyS/vfs-switch/internal/fuseexport"
	"github.com/S1riyS/vfs-switch/internal/handler"
	"github.com/S1riyS/vfs-switch/internal/middleware"
	"github.com/S1riyS/vfs-switch/internal/service"
	"github.com/S1riyS/vfs-switch/pkg/logging"
	"github.com/S1riyS/vfs-switch/pkg/logging/slogext"
	"github.com/S1riyS/vfs-switch/pkg/logging/slogpretty"
)

var (
	configPath string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "vfs-switch",
		Short:         "Virtual filesystem switch with pluggable drivers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to the YAML config")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log at debug level")

	rootCmd.AddCommand(
		serveCmd(),
		fuseCmd(),
		lsCmd(),
		catCmd(),
		statCmd(),
		mountsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withSystem loads the config, boots the VFS and runs fn against it.
func withSystem(fn func(ctx context.Context, cfg *config.Config, sys *system) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.MakeContextWithLogger(ctx, setupPrettySlog(debug))

	sys, err := boot(ctx, cfg)
	if err != nil {
		return err
	}
	defer sys.shutdown(context.WithoutCancel(ctx))

	return fn(ctx, cfg, sys)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the VFS over the binary HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(func(ctx context.Context, cfg *config.Config, sys *system) error {
				return serve(ctx, cfg, sys)
			})
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, sys *system) error {
	const op = "main.serve"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	mux := http.NewServeMux()
	handler.NewHandler(service.NewFileSystemService(sys.vfs, sys.ns)).RegisterRoutes(mux)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.App.Port),
		Handler:     middleware.RequestIDMiddleware(middleware.LoggingMiddleware(mux)),
		ReadTimeout: cfg.App.DefaultTimeout,
		BaseContext: func(_ net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", slogext.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func fuseCmd() *cobra.Command {
	var mountpoint, root string

	cmd := &cobra.Command{
		Use:   "fuse",
		Short: "Export the VFS read-only through FUSE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(func(ctx context.Context, cfg *config.Config, sys *system) error {
				if mountpoint == "" {
					mountpoint = cfg.Fuse.Mountpoint
				}
				exp, err := fuseexport.Mount(ctx, sys.vfs, sys.ns, fuseexport.Options{
					Mountpoint: mountpoint,
					Root:       root,
					Debug:      cfg.Fuse.Debug,
				})
				if err != nil {
					return err
				}

				done := make(chan struct{})
				go func() {
					exp.Wait()
					close(done)
				}()

				select {
				case <-done:
				case <-ctx.Done():
				}
				return exp.Unmount(context.WithoutCancel(ctx))
			})
		},
	}

	cmd.Flags().StringVar(&mountpoint, "mountpoint", "", "Host directory to mount on (defaults to fuse.mountpoint)")
	cmd.Flags().StringVar(&root, "root", "/", "VFS directory to export")
	return cmd
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory of the booted VFS",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) == 1 {
				path = args[0]
			}
			return withSystem(func(ctx context.Context, cfg *config.Config, sys *system) error {
				svc := service.NewFileSystemService(sys.vfs, sys.ns)
				entries, err := svc.ReadDir(ctx, path)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, e := range entries {
					fmt.Fprintf(out, "%#08x %10d  %s\n", e.Device, e.Ino, e.Name)
				}
				return nil
			})
		},
	}
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print a file of the booted VFS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(func(ctx context.Context, cfg *config.Config, sys *system) error {
				svc := service.NewFileSystemService(sys.vfs, sys.ns)
				return copyFile(ctx, svc, args[0], cmd.OutOrStdout())
			})
		},
	}
}

func copyFile(ctx context.Context, svc service.FileSystemService, path string, w io.Writer) error {
	var off int64
	for {
		chunk, err := svc.Read(ctx, path, off, 64<<10)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return nil
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		off += int64(len(chunk))
	}
}

func statCmd() *cobra.Command {
	var nofollow bool

	cmd := &cobra.Command{
		Use:   "stat <path>",
		Short: "Show inode metadata as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(func(ctx context.Context, cfg *config.Config, sys *system) error {
				svc := service.NewFileSystemService(sys.vfs, sys.ns)
				stat := svc.Stat
				if nofollow {
					stat = svc.Lstat
				}
				st, err := stat(ctx, args[0])
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), st)
			})
		},
	}

	cmd.Flags().BoolVarP(&nofollow, "no-dereference", "L", false, "Do not follow a trailing symlink")
	return cmd
}

func mountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mounts",
		Short: "Show the mount table as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(func(ctx context.Context, cfg *config.Config, sys *system) error {
				return writeYAML(cmd.OutOrStdout(), sys.vfs.Mounts())
			})
		},
	}
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func setupPrettySlog(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: level,
		},
	}

	handler := opts.NewPrettyHandler(os.Stderr)

	return slog.New(handler)
}
