package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	_ "github.com/vexxhost/imgio/internal/backend/file"
	_ "github.com/vexxhost/imgio/internal/backend/httpbackend"
	_ "github.com/vexxhost/imgio/internal/backend/nbdbackend"
	"github.com/vexxhost/imgio/internal/dataserver"
	"github.com/vexxhost/imgio/internal/ticket"
)

var (
	debug          bool
	listenAddr     string
	controlSocket  string
	dataUnixSocket string
	certFile       string
	keyFile        string
	maxReaders     int
	maxWriters     int
	idleTimeout    time.Duration
	cancelTimeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "imgio-server",
	Short: "Ticket-authorized HTTP data server for disk image transfer",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			log.SetLevel(log.DebugLevel)
		}
	},
	RunE: runServer,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.Flags().StringVar(&listenAddr, "listen", ":54322", "Data-plane listen address")
	rootCmd.Flags().StringVar(&controlSocket, "control-socket", "/run/imgio/control.sock", "Control-socket path for ticket management")
	rootCmd.Flags().StringVar(&dataUnixSocket, "data-unix-socket", "", "Optional same-host Unix socket for the data plane, advertised over OPTIONS")
	rootCmd.Flags().StringVar(&certFile, "cert-file", "", "TLS certificate for the data plane (plain HTTP if unset)")
	rootCmd.Flags().StringVar(&keyFile, "key-file", "", "TLS private key for the data plane")
	rootCmd.Flags().IntVar(&maxReaders, "max-readers", 8, "Maximum concurrent readers per ticket")
	rootCmd.Flags().IntVar(&maxWriters, "max-writers", 8, "Maximum concurrent writers per ticket")
	rootCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 60*time.Second, "Connection idle timeout before a ticket is attached")
	rootCmd.Flags().DurationVar(&cancelTimeout, "cancel-timeout", 10*time.Second, "How long ticket removal waits for contexts to drain")
}

func runServer(cmd *cobra.Command, args []string) error {
	log.Info("🚀 starting imgio data server")

	store := ticket.NewStore(cancelTimeout)
	srv := dataserver.NewServer(store, dataserver.Options{
		UnixSocketPath: dataUnixSocket,
		MaxReaders:     maxReaders,
		MaxWriters:     maxWriters,
		IdleTimeout:    idleTimeout,
		CancelTimeout:  cancelTimeout,
	})

	dataHTTP := &http.Server{Addr: listenAddr, Handler: srv.DataHandler()}
	srv.ConfigureServer(dataHTTP)

	var tlsConfig *tls.Config
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return fmt.Errorf("imgio-server: loading TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		dataHTTP.TLSConfig = tlsConfig
	}

	os.Remove(controlSocket)
	ctrlListener, err := net.Listen("unix", controlSocket)
	if err != nil {
		return fmt.Errorf("imgio-server: listening on control socket: %w", err)
	}
	ctrlHTTP := &http.Server{Handler: srv.ControlHandler()}
	srv.ConfigureServer(ctrlHTTP)

	var dataUnixHTTP *http.Server
	var dataUnixListener net.Listener
	if dataUnixSocket != "" {
		os.Remove(dataUnixSocket)
		l, err := net.Listen("unix", dataUnixSocket)
		if err != nil {
			return fmt.Errorf("imgio-server: listening on data-plane unix socket: %w", err)
		}
		dataUnixListener = l
		dataUnixHTTP = &http.Server{Handler: srv.DataHandler()}
		srv.ConfigureServer(dataUnixHTTP)
	}

	errCh := make(chan error, 3)
	go func() {
		log.WithField("addr", listenAddr).Info("🌐 data-plane listening")
		var err error
		if tlsConfig != nil {
			err = dataHTTP.ListenAndServeTLS("", "")
		} else {
			err = dataHTTP.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("data-plane server: %w", err)
		}
	}()
	go func() {
		log.WithField("socket", controlSocket).Info("🔧 control socket listening")
		if err := ctrlHTTP.Serve(ctrlListener); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("control-socket server: %w", err)
		}
	}()
	if dataUnixHTTP != nil {
		go func() {
			log.WithField("socket", dataUnixSocket).Info("🔧 data-plane unix socket listening")
			if err := dataUnixHTTP.Serve(dataUnixListener); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("data-plane unix-socket server: %w", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.WithError(err).Error("❌ server failed")
	case <-quit:
		log.Info("🛑 shutting down imgio data server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := dataHTTP.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("⚠️ data-plane server forced to shutdown")
	}
	if err := ctrlHTTP.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("⚠️ control-socket server forced to shutdown")
	}
	if dataUnixHTTP != nil {
		if err := dataUnixHTTP.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("⚠️ data-plane unix-socket server forced to shutdown")
		}
	}
	store.Clear()

	log.Info("✅ imgio data server stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
