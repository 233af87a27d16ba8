package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/ca"
	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/internal/logging"
	"github.com/jmcleod/ironca/storage"
)

var publishOnce bool

var crlPublisherCmd = &cobra.Command{
	Use:   "crl-publisher",
	Short: "Publish CRLs for the configured CAs on a schedule",
	Long: `Generates a new CRL for every configured CA, or every active CA when
crl-publisher.ca-ids is empty, then repeats at crl-publisher.interval.
Custody outages and CRL number races are retried.`,
	RunE: runCRLPublisher,
}

func init() {
	rootCmd.AddCommand(crlPublisherCmd)
	crlPublisherCmd.Flags().BoolVar(&publishOnce, "once", false, "Publish one round and exit")
}

type publisher struct {
	svc      *ca.Service
	caIDs    []string
	interval time.Duration
	attempts uint
	delay    time.Duration
	logger   *slog.Logger
}

// retryable reports whether a failed publication may succeed if repeated.
func retryable(err error) bool {
	return custody.IsRetryable(err) || errors.Is(err, storage.ErrCRLNumberConflict)
}

func (p *publisher) targets(ctx context.Context) ([]string, error) {
	if len(p.caIDs) > 0 {
		return p.caIDs, nil
	}
	cas, err := p.svc.ListCAs(ctx)
	if err != nil {
		return nil, err
	}
	active := lo.Filter(cas, func(c *storage.CARecord, _ int) bool {
		return c.Status == storage.CAActive && !c.KeysDestroyed
	})
	return lo.Map(active, func(c *storage.CARecord, _ int) string { return c.ID }), nil
}

func (p *publisher) publish(ctx context.Context, caID string) (*ca.CRLResult, error) {
	var res *ca.CRLResult
	err := retry.Do(
		func() error {
			var err error
			res, err = p.svc.GenerateCRL(ctx, caID)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(p.attempts),
		retry.Delay(p.delay),
		retry.RetryIf(retryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.logger.WarnContext(ctx, "CRL publication failed, retrying", "ca_id", caID, "attempt", n+1, "error", err)
		}),
	)
	return res, err
}

// publishAll publishes one CRL per target CA. A failing CA does not stop
// the others; the failures are joined.
func (p *publisher) publishAll(ctx context.Context) error {
	ids, err := p.targets(ctx)
	if err != nil {
		return fmt.Errorf("listing CAs: %w", err)
	}
	var errs []error
	for _, id := range ids {
		res, err := p.publish(ctx, id)
		if err != nil {
			logging.Error(p.logger, "CRL publication failed", err, "ca_id", id)
			errs = append(errs, fmt.Errorf("CA %s: %w", id, err))
			continue
		}
		p.logger.InfoContext(ctx, "CRL published",
			"ca_id", id,
			"crl_number", res.Record.Number,
			"entries", res.Record.EntryCount,
			"next_update", res.Record.NextUpdate,
		)
	}
	return errors.Join(errs...)
}

// run publishes immediately and then every interval until ctx is done.
// Round failures are logged and do not stop the loop.
func (p *publisher) run(ctx context.Context) error {
	_ = p.publishAll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = p.publishAll(ctx)
		}
	}
}

func runCRLPublisher(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime(fs, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	p := &publisher{
		svc:      rt.svc,
		caIDs:    cfg.CRLPublisher.CAIDs,
		interval: cfg.CRLPublisher.Interval,
		attempts: cfg.CRLPublisher.RetryAttempts,
		delay:    cfg.CRLPublisher.RetryDelay,
		logger:   logger.With("component", "crl-publisher"),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if publishOnce {
		return p.publishAll(ctx)
	}
	printBanner(cmd.OutOrStdout(), "CRL publisher")
	return p.run(ctx)
}
