// Package balancer turns one invoice request into one BOLT-11 payment
// request, walking selector candidates under a configurable backoff policy.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/switchgear-ln/switchgear/internal/ln"
	"github.com/switchgear-ln/switchgear/internal/lnurl"
	"github.com/switchgear-ln/switchgear/internal/model"
	"github.com/switchgear-ln/switchgear/internal/selector"
)

// ErrNoBackendAvailable is returned when the candidate stream is exhausted
// or the backoff deadline passes before any backend produces an invoice.
var ErrNoBackendAvailable = errors.New("no backend available")

// ErrInvalidAmount is returned when the requested amount falls outside the
// offer's sendable range.
var ErrInvalidAmount = errors.New("invalid amount")

// Backoff shape names accepted in configuration.
const (
	BackoffStop        = "stop"
	BackoffExponential = "exponential"
)

// BackoffConfig describes the retry schedule between invoice attempts.
type BackoffConfig struct {
	Type                string
	InitialInterval     time.Duration
	RandomizationFactor float64
	Multiplier          float64
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
}

// New builds a fresh policy instance. Exponential policies track their own
// elapsed time, so each dispatch gets its own.
func (c BackoffConfig) New() backoff.BackOff {
	if c.Type == BackoffStop {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.RandomizationFactor = c.RandomizationFactor
	b.Multiplier = c.Multiplier
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = c.MaxElapsedTime
	b.Reset()
	return b
}

// Config tunes the dispatcher.
type Config struct {
	Backoff BackoffConfig
	// InvoiceExpiry is stamped on every generated invoice.
	InvoiceExpiry time.Duration
	// CommentAllowed is the maximum accepted comment length; zero disables
	// comment forwarding.
	CommentAllowed uint16
}

// Refresher re-reads registrations and health between retry attempts.
type Refresher interface {
	Refresh(ctx context.Context)
}

// Request carries everything needed to produce one invoice.
type Request struct {
	Partition  string
	Offer      model.OfferRecord
	Metadata   model.MetadataSparse
	AmountMsat uint64
	Comment    string
}

// Dispatcher owns the pick, call, sleep, retry loop.
type Dispatcher struct {
	cfg     Config
	sel     *selector.Selector
	clients *ln.ClientPool
	pool    Refresher
	logger  *zap.Logger
}

// New wires a dispatcher to the selector, the client pool, and the backend
// pool it refreshes between attempts.
func New(cfg Config, sel *selector.Selector, clients *ln.ClientPool, pool Refresher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		sel:     sel,
		clients: clients,
		pool:    pool,
		logger:  logger,
	}
}

// selectionKey decides what the consistent policy hashes: the comment joined
// with the offer coordinates when comments are enabled and one was supplied,
// else the offer id alone.
func (d *Dispatcher) selectionKey(req Request) []byte {
	if d.cfg.CommentAllowed > 0 && req.Comment != "" {
		return []byte(req.Comment + req.Partition + req.Offer.ID.String())
	}
	return []byte(req.Offer.ID.String())
}

// memo returns the comment to attach to the invoice, or empty when comments
// are disabled or the supplied one is too long.
func (d *Dispatcher) memo(comment string) string {
	if d.cfg.CommentAllowed == 0 || len(comment) > int(d.cfg.CommentAllowed) {
		return ""
	}
	return comment
}

// Dispatch validates the amount, computes the LUD-06 description hash, and
// walks selector candidates until a backend returns a BOLT-11 or the retry
// budget runs out.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	if req.AmountMsat < req.Offer.MinSendable || req.AmountMsat > req.Offer.MaxSendable {
		return "", fmt.Errorf("%w: %d msat outside [%d, %d]",
			ErrInvalidAmount, req.AmountMsat, req.Offer.MinSendable, req.Offer.MaxSendable)
	}

	encoded, err := lnurl.EncodeMetadata(req.Metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	hash := lnurl.MetadataHash(encoded)

	params := ln.InvoiceParams{
		AmountMsat:      req.AmountMsat,
		Metadata:        encoded,
		DescriptionHash: hash,
		Memo:            d.memo(req.Comment),
		Expiry:          d.cfg.InvoiceExpiry,
	}

	policy := d.cfg.Backoff.New()
	candidates := d.sel.Candidates(req.Partition, req.AmountMsat, d.selectionKey(req))

	for {
		candidate, ok := candidates.Next()
		if !ok {
			return "", ErrNoBackendAvailable
		}

		pr, err := d.attempt(ctx, candidate, params)
		if err == nil {
			return pr, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		d.logger.Warn("invoice attempt failed",
			zap.String("address", candidate.Backend.Address.String()),
			zap.String("partition", req.Partition),
			zap.Error(err))

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return "", ErrNoBackendAvailable
		}
		if err := d.pause(ctx, wait); err != nil {
			return "", err
		}
	}
}

// attempt issues one invoice RPC against one candidate. The candidate is
// released when the call returns, whatever the outcome.
func (d *Dispatcher) attempt(ctx context.Context, candidate selector.Candidate, params ln.InvoiceParams) (string, error) {
	defer candidate.Release()

	client, err := d.clients.Get(candidate.Backend)
	if err != nil {
		return "", err
	}
	return client.CreateInvoice(ctx, params)
}

// pause sleeps for the backoff interval while the backend pool refreshes in
// parallel, so the next candidate reflects current registrations and health.
func (d *Dispatcher) pause(ctx context.Context, wait time.Duration) error {
	refreshed := make(chan struct{})
	go func() {
		defer close(refreshed)
		d.pool.Refresh(ctx)
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-refreshed:
	}
	return nil
}
