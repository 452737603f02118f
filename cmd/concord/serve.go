package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/concordlabs/concord/pkg/amendment"
	"github.com/concordlabs/concord/pkg/audit"
	"github.com/concordlabs/concord/pkg/beacon"
	"github.com/concordlabs/concord/pkg/config"
	"github.com/concordlabs/concord/pkg/console"
	"github.com/concordlabs/concord/pkg/eligibility"
	"github.com/concordlabs/concord/pkg/guard"
	"github.com/concordlabs/concord/pkg/ledger"
)

func loadParams() (config.Params, error) {
	if flagConfig == "" {
		return config.Default(), nil
	}
	return config.Load(flagConfig)
}

func openEventStore() (ledger.EventStore, func(), error) {
	if flagDB == "" {
		return ledger.NewMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("sqlite", flagDB)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite store: %w", err)
	}
	store, err := ledger.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

// beaconSource builds the randomness source for chamber draws. A fixed
// value can be injected for offline replay; otherwise each boot commits
// a fresh one.
func beaconSource() (beacon.Source, error) {
	if v := os.Getenv("CONCORD_BEACON_SEED"); v != "" {
		raw, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("CONCORD_BEACON_SEED must be hex: %w", err)
		}
		return beacon.StaticSource{RoundNumber: 1, Value: raw}, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return beacon.StaticSource{RoundNumber: 1, Value: buf}, nil
}

func newServeCmd() *cobra.Command {
	var addr string
	var rps, burst int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the governance console and epoch scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			params, err := loadParams()
			if err != nil {
				return err
			}
			cfg, err := config.NewStore(params)
			if err != nil {
				return err
			}

			store, closeStore, err := openEventStore()
			if err != nil {
				return err
			}
			defer closeStore()

			trail := audit.NewTrail()
			epochs := ledger.WallClockEpochs{Start: time.Now(), Duration: params.EpochDuration}

			g := guard.New(cfg).WithAudit(trail)
			led := ledger.New(store, cfg, epochs,
				ledger.WithGuard(g),
				ledger.WithAudit(trail),
				ledger.WithLogger(log),
			)
			g.BindReleaser(led)

			resolver := eligibility.NewResolver(led, cfg)

			source, err := beaconSource()
			if err != nil {
				return err
			}
			engine, err := amendment.NewEngine(resolver, cfg, epochs, source,
				amendment.WithAudit(trail),
				amendment.WithCommitment(trail.Head),
				amendment.WithLogger(log),
			)
			if err != nil {
				return err
			}

			srv := console.NewServer(led, engine, g, resolver, trail, cfg, log)
			if key := os.Getenv("CONCORD_CAPABILITY_KEY"); key != "" {
				issuer := eligibility.NewCapabilityIssuer([]byte(key), eligibility.NewConditionRegistry())
				srv = srv.WithCapabilities(issuer)
				log.Info("guard sign-offs require capability tokens")
			}
			handler := srv.Handler(console.NewRateLimiter(rps, burst))

			httpSrv := &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Epoch scheduler: deadlines and decay are examined well
			// inside one epoch so expiries land promptly.
			tick := params.EpochDuration / 4
			if tick < time.Second {
				tick = time.Second
			}
			go func() {
				ticker := time.NewTicker(tick)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if err := led.Tick(); err != nil {
							log.Error("ledger tick failed", "error", err)
						}
						engine.Tick()
					}
				}
			}()

			errCh := make(chan error, 1)
			go func() {
				log.Info("console listening", "addr", addr, "params_version", cfg.Active().Version)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8344", "listen address")
	cmd.Flags().IntVar(&rps, "rate-limit", 50, "per-IP requests per second")
	cmd.Flags().IntVar(&burst, "rate-burst", 100, "per-IP burst size")
	return cmd
}
