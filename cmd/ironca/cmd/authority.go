package cmd

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/custody/authority"
)

var authorityCmd = &cobra.Command{
	Use:   "authority",
	Short: "Run the reference key custody authority",
	Long: `Serves the key custody protocol on the configured listen address.
Keys live in process memory (software backend) or on a PKCS#11 token.
Software keys are lost when the process exits.`,
	RunE: runAuthority,
}

func init() {
	rootCmd.AddCommand(authorityCmd)
	authorityCmd.Flags().String("listen", "", "Address to listen on (overrides authority.listen)")
	_ = v.BindPFlag("authority.listen", authorityCmd.Flags().Lookup("listen"))
}

// openKeyStore returns the configured key store and a function releasing it.
func openKeyStore(c *config.Config) (authority.KeyStore, io.Closer, error) {
	switch c.Authority.Backend {
	case config.BackendPKCS11:
		ks, err := authority.NewPKCS11KeyStore(c.PKCS11())
		if err != nil {
			return nil, nil, fmt.Errorf("opening PKCS#11 token: %w", err)
		}
		return ks, ks, nil
	default:
		return authority.NewSoftwareKeyStore(), closerFunc(func() error { return nil }), nil
	}
}

func runAuthority(cmd *cobra.Command, _ []string) error {
	keys, closer, err := openKeyStore(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	srv := authority.New(keys,
		authority.WithExport(cfg.Authority.AllowExport),
		authority.WithLogger(logger),
	)

	l, err := net.Listen("tcp", cfg.Authority.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Authority.Listen, err)
	}

	done := make(chan error, 1)
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, authority.ErrServerClosed) {
			done <- fmt.Errorf("authority failed: %w", err)
			return
		}
		done <- nil
	}()

	out := cmd.OutOrStdout()
	printBanner(out, "Key custody authority")
	fmt.Fprintf(out, "Listening on %s (backend: %s, export: %t)...\n", l.Addr(), cfg.Authority.Backend, cfg.Authority.AllowExport)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		if err := srv.Close(); err != nil {
			return fmt.Errorf("authority shutdown failed: %w", err)
		}
		return <-done
	case err := <-done:
		srv.Close()
		return err
	}
}
