// Command switchgear runs the LNURL load balancer and its admin surfaces,
// plus the token utilities used to provision admin credentials.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/switchgear-ln/switchgear/internal/auth"
	"github.com/switchgear-ln/switchgear/internal/balancer"
	"github.com/switchgear-ln/switchgear/internal/config"
	"github.com/switchgear-ln/switchgear/internal/database"
	"github.com/switchgear-ln/switchgear/internal/handler"
	"github.com/switchgear-ln/switchgear/internal/ln"
	"github.com/switchgear-ln/switchgear/internal/lnurl"
	"github.com/switchgear-ln/switchgear/internal/logging"
	"github.com/switchgear-ln/switchgear/internal/pool"
	"github.com/switchgear-ln/switchgear/internal/selector"
	"github.com/switchgear-ln/switchgear/internal/store"
)

func main() {
	_ = godotenv.Load()

	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	var err error
	switch command {
	case "serve":
		err = serve(args)
	case "token":
		err = token(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q; expected serve or token\n", command)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := flags.String("config", "switchgear.yaml", "path to the configuration file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	return run(cfg)
}

// stores bundles the assembled store implementations with their cleanup.
type stores struct {
	discovery store.DiscoveryStore
	offers    store.OfferStore
	metadata  store.MetadataStore
	cleanup   []func()
}

func (s *stores) close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
}

func buildStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	s := &stores{}

	switch cfg.Store.Discovery.Type {
	case config.StoreMemory:
		s.discovery = store.NewMemory()
	case config.StoreDatabase:
		db, err := database.Open(cfg.Store.Discovery.Database.URL, cfg.Store.Discovery.Database.MaxConnections)
		if err != nil {
			return nil, err
		}
		s.cleanup = append(s.cleanup, func() { database.Close(db) })
		sql, err := store.NewSQL(db)
		if err != nil {
			return nil, err
		}
		s.discovery = sql
	case config.StoreHTTP:
		httpStore, err := store.NewHTTPDiscovery(httpClientConfig(cfg.Store.Discovery.HTTP))
		if err != nil {
			return nil, err
		}
		go httpStore.Poll(ctx, cfg.LNURL.BackendUpdateFrequency())
		s.discovery = httpStore
	}

	switch cfg.Store.Offer.Type {
	case config.StoreMemory:
		mem := store.NewMemory()
		s.offers, s.metadata = mem, mem
	case config.StoreDatabase:
		db, err := database.Open(cfg.Store.Offer.Database.URL, cfg.Store.Offer.Database.MaxConnections)
		if err != nil {
			return nil, err
		}
		s.cleanup = append(s.cleanup, func() { database.Close(db) })
		sql, err := store.NewSQL(db)
		if err != nil {
			return nil, err
		}
		s.offers, s.metadata = sql, sql
	case config.StoreHTTP:
		httpStore, err := store.NewHTTPOffers(httpClientConfig(cfg.Store.Offer.HTTP))
		if err != nil {
			return nil, err
		}
		s.offers, s.metadata = httpStore, httpStore
	}

	logger.Info("stores ready",
		zap.String("discovery", cfg.Store.Discovery.Type),
		zap.String("offer", cfg.Store.Offer.Type))
	return s, nil
}

func httpClientConfig(cfg config.HTTPStore) store.HTTPClientConfig {
	return store.HTTPClientConfig{
		BaseURL:          cfg.BaseURL,
		TokenPath:        cfg.TokenPath,
		TrustedRootsPath: cfg.TrustedRootsPath,
		Timeout:          time.Duration(cfg.TimeoutSecs * float64(time.Second)),
	}
}

func qrOptions(cfg config.LNURLService) (lnurl.QROptions, error) {
	opts := lnurl.DefaultQROptions()
	opts.Scale = uint8(cfg.Bech32QRScale)
	if cfg.Bech32QRLight != "" {
		light, err := lnurl.ParseColor(cfg.Bech32QRLight)
		if err != nil {
			return opts, fmt.Errorf("bech32-qr-light: %w", err)
		}
		opts.Light = light
	}
	if cfg.Bech32QRDark != "" {
		dark, err := lnurl.ParseColor(cfg.Bech32QRDark)
		if err != nil {
			return opts, fmt.Errorf("bech32-qr-dark: %w", err)
		}
		opts.Dark = dark
	}
	return opts, nil
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lnurlLog, err := logging.New(cfg.LNURL.Log)
	if err != nil {
		return err
	}
	defer lnurlLog.Sync()

	st, err := buildStores(ctx, cfg, lnurlLog)
	if err != nil {
		return err
	}
	defer st.close()

	sel := selector.New(selector.Config{
		Policy:        cfg.LNURL.BackendSelection.Type,
		MaxIterations: cfg.LNURL.BackendSelection.MaxIterations,
		CapacityBias:  cfg.LNURL.SelectionCapacityBias,
	})
	clients := ln.NewClientPool(cfg.LNURL.LnClientTimeout(), nil)
	defer clients.Close()

	monitor := pool.NewMonitor(pool.Config{
		Partitions:          cfg.LNURL.Partitions,
		UpdateFrequency:     cfg.LNURL.BackendUpdateFrequency(),
		ProbeFrequency:      cfg.LNURL.HealthCheckFrequency(),
		ParallelHealthCheck: cfg.LNURL.ParallelHealthCheck,
		SuccessesToHealthy:  cfg.LNURL.SuccessesToHealthy,
		FailuresToUnhealthy: cfg.LNURL.FailuresToUnhealthy,
	}, st.discovery, clients, sel, lnurlLog)
	go monitor.Run(ctx)

	dispatcher := balancer.New(balancer.Config{
		Backoff:        cfg.LNURL.Backoff.BackoffConfig(),
		InvoiceExpiry:  cfg.LNURL.InvoiceExpiry(),
		CommentAllowed: cfg.LNURL.CommentAllowed,
	}, sel, clients, monitor, lnurlLog)

	qr, err := qrOptions(cfg.LNURL)
	if err != nil {
		return err
	}

	lnurlHandler := handler.NewLNURL(handler.LNURLConfig{
		Partitions:     cfg.LNURL.Partitions,
		AllowedHosts:   cfg.LNURL.AllowedHosts,
		CommentAllowed: cfg.LNURL.CommentAllowed,
		QR:             qr,
	}, st.offers, st.metadata, dispatcher, sel, lnurlLog)

	servers := []serverSpec{{
		name:    "lnurl",
		address: cfg.LNURL.Address,
		tls:     cfg.LNURL.TLS,
		handler: lnurlHandler.Routes(),
	}}

	if cfg.Discovery.Address != "" {
		discoveryLog, err := logging.New(cfg.Discovery.Log)
		if err != nil {
			return err
		}
		defer discoveryLog.Sync()
		verifier, err := auth.NewVerifierFromFile(cfg.Discovery.AuthAuthority, auth.AudienceDiscovery)
		if err != nil {
			return err
		}
		servers = append(servers, serverSpec{
			name:    "discovery",
			address: cfg.Discovery.Address,
			tls:     cfg.Discovery.TLS,
			handler: handler.NewDiscovery(st.discovery, verifier, discoveryLog).Routes(),
		})
	}

	if cfg.Offer.Address != "" {
		offerLog, err := logging.New(cfg.Offer.Log)
		if err != nil {
			return err
		}
		defer offerLog.Sync()
		verifier, err := auth.NewVerifierFromFile(cfg.Offer.AuthAuthority, auth.AudienceOffer)
		if err != nil {
			return err
		}
		servers = append(servers, serverSpec{
			name:    "offer",
			address: cfg.Offer.Address,
			tls:     cfg.Offer.TLS,
			handler: handler.NewOffers(st.offers, st.metadata, verifier, cfg.Offer.MaxPageSize, offerLog).Routes(),
		})
	}

	return runServers(ctx, lnurlLog, servers)
}

type serverSpec struct {
	name    string
	address string
	tls     config.TLS
	handler http.Handler
}

// runServers binds every surface, then blocks until a signal or a bind
// failure. Shutdown drains in-flight requests before returning.
func runServers(ctx context.Context, logger *zap.Logger, specs []serverSpec) error {
	errCh := make(chan error, len(specs))
	running := make([]*http.Server, 0, len(specs))

	for _, spec := range specs {
		srv := &http.Server{
			Addr:              spec.address,
			Handler:           spec.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		running = append(running, srv)
		logger.Info("listening",
			zap.String("service", spec.name),
			zap.String("address", spec.address),
			zap.Bool("tls", spec.tls.Enabled()))
		go func(spec serverSpec, srv *http.Server) {
			var err error
			if spec.tls.Enabled() {
				err = srv.ListenAndServeTLS(spec.tls.CertPath, spec.tls.KeyPath)
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s service: %w", spec.name, err)
			}
		}(spec, srv)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range running {
		_ = srv.Shutdown(shutdownCtx)
	}
	return serveErr
}

func token(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: switchgear token key|mint|verify")
	}
	switch args[0] {
	case "key":
		return tokenKey(args[1:])
	case "mint":
		return tokenMint(args[1:])
	case "verify":
		return tokenVerify(args[1:])
	default:
		return fmt.Errorf("unknown token command %q; expected key, mint, or verify", args[0])
	}
}

func tokenKey(args []string) error {
	flags := flag.NewFlagSet("token key", flag.ExitOnError)
	privatePath := flags.String("private", "switchgear.key", "output path for the signing key")
	publicPath := flags.String("public", "switchgear.pub", "output path for the verification key")
	if err := flags.Parse(args); err != nil {
		return err
	}

	key, err := auth.GenerateKey()
	if err != nil {
		return err
	}
	privatePEM, err := auth.EncodePrivateKey(key)
	if err != nil {
		return err
	}
	publicPEM, err := auth.EncodePublicKey(&key.PublicKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*privatePath, privatePEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(*publicPath, publicPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	fmt.Printf("wrote %s and %s\n", *privatePath, *publicPath)
	return nil
}

func tokenMint(args []string) error {
	flags := flag.NewFlagSet("token mint", flag.ExitOnError)
	keyPath := flags.String("key", "switchgear.key", "path to the signing key")
	audience := flags.String("audience", "", "token audience: discovery or offer")
	ttl := flags.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *audience != auth.AudienceDiscovery && *audience != auth.AudienceOffer {
		return fmt.Errorf("audience must be %s or %s", auth.AudienceDiscovery, auth.AudienceOffer)
	}

	key, err := auth.LoadPrivateKey(*keyPath)
	if err != nil {
		return err
	}
	signed, err := auth.Mint(key, *audience, time.Now().Add(*ttl))
	if err != nil {
		return err
	}
	fmt.Println(signed)
	return nil
}

func tokenVerify(args []string) error {
	flags := flag.NewFlagSet("token verify", flag.ExitOnError)
	keyPath := flags.String("key", "switchgear.pub", "path to the verification key")
	audience := flags.String("audience", "", "expected audience")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: switchgear token verify [flags] <token>")
	}

	verifier, err := auth.NewVerifierFromFile(*keyPath, *audience)
	if err != nil {
		return err
	}
	if err := verifier.Verify(flags.Arg(0)); err != nil {
		return err
	}
	fmt.Println("token valid")
	return nil
}
