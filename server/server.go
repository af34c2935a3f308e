package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"cosmossdk.io/log"

	ethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/bundlekit/oppool/config"
)

// API couples a namespace with its receiver, go-ethereum RPC style.
type API struct {
	Namespace string
	Service   any
}

// StartJSONRPC serves the given APIs over HTTP and, when a WS address is
// configured, over WebSocket. Both servers stop when ctx is canceled.
func StartJSONRPC(ctx context.Context, logger log.Logger, g *errgroup.Group, cfg config.RPCConfig, apis []API) error {
	logger = logger.With(log.ModuleKey, "JSONRPC")

	rpcServer := ethrpc.NewServer()
	for _, api := range apis {
		if err := rpcServer.RegisterName(api.Namespace, api.Service); err != nil {
			logger.Error("failed to register RPC namespace", "namespace", api.Namespace, "error", err)
			return err
		}
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := mux.NewRouter()
	r.HandleFunc("/", rpcServer.ServeHTTP).Methods("POST")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           cors.Default().Handler(r),
		ReadHeaderTimeout: timeout,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
	}
	serve(ctx, logger.With("transport", "http"), g, httpSrv)

	if cfg.WSAddress != "" {
		wsRouter := mux.NewRouter()
		wsRouter.Handle("/", rpcServer.WebsocketHandler([]string{"*"}))
		wsSrv := &http.Server{
			Addr:              cfg.WSAddress,
			Handler:           wsRouter,
			ReadHeaderTimeout: timeout,
		}
		serve(ctx, logger.With("transport", "ws"), g, wsSrv)
	}
	return nil
}

// serve runs one HTTP server under the group, shutting it down gracefully
// when ctx is canceled.
func serve(ctx context.Context, logger log.Logger, g *errgroup.Group, srv *http.Server) {
	g.Go(func() error {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			logger.Error("failed to listen", "address", srv.Addr, "error", err)
			return err
		}
		logger.Info("starting JSON-RPC server", "address", srv.Addr)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Serve(ln)
		}()

		select {
		case <-ctx.Done():
			logger.Info("stopping JSON-RPC server", "address", srv.Addr)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown JSON-RPC server", "error", err)
			}
			return nil
		case err := <-errCh:
			if err == http.ErrServerClosed {
				return nil
			}
			logger.Error("JSON-RPC server failed", "error", err)
			return err
		}
	})
}
