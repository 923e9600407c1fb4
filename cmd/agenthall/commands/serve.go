package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agenthall/agenthall/internal/config"
	"github.com/agenthall/agenthall/internal/engine"
	"github.com/agenthall/agenthall/internal/event"
	"github.com/agenthall/agenthall/internal/gateway"
	"github.com/agenthall/agenthall/internal/logging"
	"github.com/agenthall/agenthall/internal/pathguard"
	"github.com/agenthall/agenthall/internal/runner"
	"github.com/agenthall/agenthall/internal/server"
	"github.com/agenthall/agenthall/internal/store"
	"github.com/agenthall/agenthall/internal/vault"
)

var (
	servePort    int
	serveNoCORS  bool
	engineCmd    []string
	shutdownWait = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agenthall host bridge",
	Long: `Start the host process the UI connects to: a loopback HTTP API plus
an SSE event stream. Sessions, providers, and permissions are managed
here; the agent engine runs as a subprocess per turn.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 7433, "Port to listen on (loopback only)")
	serveCmd.Flags().BoolVar(&serveNoCORS, "no-cors", false, "Disable CORS headers")
	serveCmd.Flags().StringSliceVar(&engineCmd, "engine", nil, "Engine command, comma-separated argv (default: claude)")
}

func runServe(cmd *cobra.Command, args []string) error {
	// A .env next to the binary is a development convenience; a missing
	// file is fine. This happens before config.Load so the file can feed
	// the read-once environment flags.
	_ = godotenv.Load()

	rt, err := config.Load()
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	logging.Info().Str("version", Version).Msg("starting agenthall host")

	guard := pathguard.New(rt.PathCacheTTL)
	st, err := store.Open(paths.DatabasePath(), guard)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := event.NewBus()
	defer bus.Close()

	v := vault.New(rt, paths.ProvidersPath(), paths.VaultKeyPath())
	stopWatch, err := v.Watch(bus)
	if err != nil {
		logging.Warn().Str("error", logging.Sanitize(err.Error())).Msg("provider file watcher unavailable")
	} else {
		defer stopWatch()
	}

	gw := gateway.New(rt, bus)
	defer gw.Close()

	r := runner.New(v, st, gw, engine.New(engineCmd), bus)
	defer r.Shutdown()

	serverConfig := server.DefaultConfig()
	serverConfig.Port = servePort
	serverConfig.EnableCORS = !serveNoCORS
	srv := server.New(serverConfig, r, bus)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Int("port", servePort).Msg("host bridge listening on loopback")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Str("error", logging.Sanitize(err.Error())).Msg("server shutdown error")
	}
	return nil
}
