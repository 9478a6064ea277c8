package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"rewards-gateway/appday"
	"rewards-gateway/auth"
	"rewards-gateway/chain"
	"rewards-gateway/config"
	"rewards-gateway/engine"
	"rewards-gateway/ledger"
	"rewards-gateway/models"
	"rewards-gateway/observability/logging"
	"rewards-gateway/server"
	"rewards-gateway/signer"
	"rewards-gateway/sweep"
	"rewards-gateway/voucher"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("rewards-gateway", cfg.Environment)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	var signingKey *signer.LocalSigner
	if cfg.SignerKeyFile != "" {
		signingKey, err = signer.NewFromFile(cfg.SignerKeyFile)
	} else {
		signingKey, err = signer.NewFromEnv(cfg.SignerKeyEnv)
	}
	if err != nil {
		log.Fatalf("signer init error: %v", err)
	}
	logger.Info("claim signer loaded", "address", signingKey.Address().Hex())

	evmClient, err := chain.DialEVMClient(cfg.ChainRPCURL)
	if err != nil {
		log.Fatalf("chain rpc error: %v", err)
	}
	clock := appday.NewClock(cfg.Location(), cfg.CutoverHour)
	reader := chain.NewReader(evmClient, common.HexToAddress(cfg.RewardContract), clock, cfg.ChainTimeout.Std())

	rewardLedger := ledger.New(db)
	eng, err := engine.New(engine.Config{
		DB:     db,
		Ledger: rewardLedger,
		Chain:  reader,
		Clock:  clock,
		Params: engine.Params{
			BaseAmount:  cfg.Reward.BaseAmount,
			StreakBonus: cfg.Reward.StreakBonus,
			StreakCap:   cfg.Reward.StreakCap,
			StaleAfter:  cfg.StaleAfter.Std(),
		},
		Log: logger,
	})
	if err != nil {
		log.Fatalf("engine init error: %v", err)
	}

	issuer, err := voucher.NewIssuer(voucher.IssuerConfig{
		DB:            db,
		Signer:        signingKey,
		ChainID:       cfg.ChainID,
		TTL:           cfg.VoucherTTL.Std(),
		TokenDecimals: cfg.TokenDecimals,
	})
	if err != nil {
		log.Fatalf("issuer init error: %v", err)
	}
	tracker := voucher.NewTracker(db)

	authSecret := os.Getenv(cfg.Auth.SecretEnv)
	verifier, err := auth.NewVerifier(auth.Options{
		Secret:         []byte(authSecret),
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		MaxSkewSeconds: cfg.Auth.MaxSkewSeconds,
	})
	if err != nil {
		log.Fatalf("auth init error: %v", err)
	}
	logger.Info("auth verifier configured",
		"issuer", cfg.Auth.Issuer, logging.Secret("hs256_secret", authSecret))

	runner := sweep.NewRunner(sweep.RunnerConfig{
		Interval: cfg.SweepInterval.Std(),
		Logger:   logger,
		Reapers: []sweep.Reaper{
			sweep.ReaperFunc{Label: "stale-reservations", Fn: eng.ReleaseStaleReservations},
			sweep.ReaperFunc{Label: "expired-vouchers", Fn: tracker.ExpireOverdue},
		},
	})
	go runner.Start(context.Background())

	srv := server.New(server.Config{
		DB:            db,
		Engine:        eng,
		Issuer:        issuer,
		Tracker:       tracker,
		Verifier:      verifier,
		RatePerMinute: cfg.RatePerMinute,
	})

	logger.Info("starting rewards-gateway", "addr", cfg.ListenAddress)
	if err := http.ListenAndServe(cfg.ListenAddress, srv.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
