package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/dexterlabs/x402-facilitator/internal/chains"
	"github.com/dexterlabs/x402-facilitator/internal/config"
	"github.com/dexterlabs/x402-facilitator/internal/coordinator"
	"github.com/dexterlabs/x402-facilitator/internal/fees"
	"github.com/dexterlabs/x402-facilitator/internal/models"
	"github.com/dexterlabs/x402-facilitator/internal/proof"
	"github.com/dexterlabs/x402-facilitator/internal/reputation"
	"github.com/dexterlabs/x402-facilitator/internal/server"
	"github.com/dexterlabs/x402-facilitator/internal/storage"
	"github.com/dexterlabs/x402-facilitator/internal/storage/postgres"
	"github.com/dexterlabs/x402-facilitator/internal/storage/sqlite"
	"github.com/dexterlabs/x402-facilitator/pkg/logging"
)

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	logging.Setup()

	if err := run(); err != nil {
		slog.Error("Facilitator exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Read(getEnv("CONFIG_DIR", "."), getEnv("CONFIG_NAME", "config"))
	if err != nil {
		return err
	}

	ledger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	// Pending records from before a restart can never complete; fail them
	// before taking traffic.
	if n, err := ledger.FailInterrupted(ctx); err != nil {
		return fmt.Errorf("fail interrupted settlements: %w", err)
	} else if n > 0 {
		slog.Warn("Failed interrupted settlements from previous run", "count", n)
	}

	rate, err := cfg.FeeRate()
	if err != nil {
		return err
	}
	minimum, err := cfg.MinSettlement()
	if err != nil {
		return err
	}
	calc, err := fees.NewCalculator(rate, minimum)
	if err != nil {
		return err
	}

	proofs, err := proof.NewBuilder(cfg.Facilitator.WalletAddress, cfg.Facilitator.SigningKey)
	if err != nil {
		return err
	}

	adapters, err := buildAdapters(cfg)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	var rep *reputation.Client
	var submitter reputation.Submitter
	if cfg.Reputation.RegistryURL != "" {
		rep = reputation.NewClient(reputation.Config{
			RegistryURL: cfg.Reputation.RegistryURL,
			AgentID:     cfg.Reputation.AgentID,
			Secret:      cfg.Reputation.Secret,
			Timeout:     cfg.Reputation.AttemptTimeout,
		})
		if cfg.Redis.Addr != "" {
			submitter = startQueue(ctx, g, cfg, rep)
		} else {
			async := reputation.NewAsyncSubmitter(rep,
				cfg.Reputation.MaxAttempts, cfg.Reputation.RetryDelay, cfg.Reputation.AttemptTimeout)
			defer async.Wait()
			submitter = async
		}
	}

	coord := coordinator.New(ledger, calc, adapters, proofs, submitter, cfg.Facilitator.AdapterTimeout)
	srv := server.New(cfg, coord, ledger, calc, rep)

	httpSrv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		// h2c lets agents multiplex settle calls over HTTP/2 without TLS.
		Handler: h2c.NewHandler(srv.Handler(), &http2.Server{}),
	}

	g.Go(func() error {
		slog.Info("Facilitator listening",
			"address", httpSrv.Addr,
			"chains", coord.SupportedChains(),
			"wallet", cfg.Facilitator.WalletAddress,
		)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	return g.Wait()
}

// startQueue enqueues reputation submissions on redis so the retry budget
// survives restarts, and runs the worker in-process.
func startQueue(ctx context.Context, g *errgroup.Group, cfg *config.Config, rep *reputation.Client) reputation.Submitter {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	client := asynq.NewClient(redisOpt)
	worker := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 4,
		Queues:      map[string]int{reputation.QueueName: 1},
	})

	g.Go(func() error {
		return worker.Run(reputation.NewWorkerMux(rep))
	})
	g.Go(func() error {
		<-ctx.Done()
		worker.Shutdown()
		return client.Close()
	})

	return reputation.NewQueueSubmitter(client, cfg.Reputation.MaxAttempts, cfg.Reputation.AttemptTimeout)
}

func openLedger(ctx context.Context, cfg *config.Config) (storage.Ledger, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.Database.DSN)
	default:
		return sqlite.New(cfg.Database.Path)
	}
}

func buildAdapters(cfg *config.Config) (map[models.Chain]chains.Adapter, error) {
	adapters := make(map[models.Chain]chains.Adapter, len(cfg.Chains))
	for name, cc := range cfg.Chains {
		chain, ok := models.ParseChain(name)
		if !ok {
			return nil, fmt.Errorf("unknown chain %q in config", name)
		}
		if cc.Mode == "fake" {
			adapters[chain] = chains.NewFakeAdapter(chain)
			continue
		}
		switch chain {
		case models.ChainSolana:
			a, err := chains.NewSolanaAdapter(chains.SolanaConfig{
				RPCURL:       cc.RPCURL,
				Mint:         cc.USDCAddress,
				MintDecimals: cc.Decimals,
				PrivateKey:   cc.PrivateKey,
			})
			if err != nil {
				return nil, err
			}
			adapters[chain] = a
		default:
			a, err := chains.NewEVMAdapter(chains.EVMConfig{
				Chain:         chain,
				RPCURL:        cc.RPCURL,
				ChainID:       cc.EVMChainID,
				TokenAddress:  cc.USDCAddress,
				TokenDecimals: cc.Decimals,
				PrivateKey:    cc.PrivateKey,
			})
			if err != nil {
				return nil, err
			}
			adapters[chain] = a
		}
	}
	return adapters, nil
}
