package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Run serves srv until ctx is cancelled, then shuts it down within timeout.
func Run(ctx context.Context, log *slog.Logger, srv *http.Server, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("http_listen", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("http_server_error", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown_start")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)

	log.Info("shutdown_done")
	return err
}
