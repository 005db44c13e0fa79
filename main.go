package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"

	"github.com/base/discovery-engine/internal/chainreg"
	"github.com/base/discovery-engine/internal/config"
	"github.com/base/discovery-engine/internal/discovery"
	"github.com/base/discovery-engine/internal/logging"
	"github.com/base/discovery-engine/internal/provider"
	"github.com/base/discovery-engine/internal/proxy"
	"github.com/base/discovery-engine/internal/source"
	"github.com/base/discovery-engine/internal/template"
)

const (
	exitOK = iota
	exitConfigError
	exitInfrastructureError
	exitCapExceeded
)

var runAttempts = 3

func main() {
	os.Exit(run())
}

func run() int {
	// Optional .env for RPC_URL / ETHERSCAN_API_KEY; absence is fine.
	_ = godotenv.Load()

	var configPath string
	var templatesDir string
	var block uint64
	var concurrency int64
	var retries int
	var strict bool
	flag.StringVar(&configPath, "config", "", "Path to the project config (JSON or JSONC)")
	flag.StringVar(&templatesDir, "templates", "", "Path to the template bundle directory")
	flag.Uint64Var(&block, "block", 0, "Block height to pin the run to (0 = current head)")
	flag.Int64Var(&concurrency, "concurrency", provider.DefaultConcurrency, "Maximum outstanding RPC requests")
	flag.IntVar(&retries, "retries", 3, "Attempts per RPC call before giving up")
	flag.BoolVar(&strict, "strict", false, "Fail when maxAddresses drops relatives")
	rpcURL := flag.String("rpc", os.Getenv("RPC_URL"), "RPC URL to connect to")
	outputFile := flag.String("o", "", "Output file path")
	flag.Parse()

	if configPath == "" {
		fmt.Println("Error: config path is required")
		return exitConfigError
	}
	if *rpcURL == "" {
		fmt.Println("Error: RPC URL is required")
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		return exitConfigError
	}

	chain, err := chainreg.ByName(cfg.Chain)
	if err != nil {
		fmt.Printf("Failed to resolve chain: %v\n", err)
		return exitConfigError
	}

	templates, err := template.NewService(templatesDir)
	if err != nil {
		fmt.Printf("Failed to load templates: %v\n", err)
		return exitConfigError
	}

	// Connect to the Ethereum node
	client, err := ethclient.Dial(*rpcURL)
	if err != nil {
		fmt.Printf("Failed to connect to the Ethereum client: %v\n", err)
		return exitInfrastructureError
	}

	if block == 0 {
		head, err := client.BlockNumber(ctx)
		if err != nil {
			fmt.Printf("Failed to get block number: %v\n", err)
			return exitInfrastructureError
		}
		block = head
	}

	prov := provider.WithCache(
		provider.WithRetries(
			provider.WithGate(provider.NewRPCProvider(client, block), concurrency),
			retries, 250*time.Millisecond))

	etherscanURL := os.Getenv("ETHERSCAN_URL")
	if etherscanURL == "" {
		etherscanURL = chain.EtherscanURL
	}
	sources := source.NewEtherscanService(etherscanURL, os.Getenv("ETHERSCAN_API_KEY"))

	analyzer := discovery.NewAnalyzer(prov, sources, proxy.NewDetector(chain), templates, cfg)
	engine := discovery.NewEngine(analyzer, cfg)

	var analyses []*discovery.Analysis
	for attempt := 1; ; attempt++ {
		analyses, err = engine.Discover(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, provider.ErrProvider) && attempt < runAttempts && ctx.Err() == nil {
			logging.Logger().Warn("discovery run failed, retrying", "attempt", attempt, "err", err)
			continue
		}
		fmt.Printf("Discovery failed: %v\n", err)
		if errors.Is(err, config.ErrConfig) || errors.Is(err, template.ErrCycle) {
			return exitConfigError
		}
		return exitInfrastructureError
	}

	artifact, err := discovery.Materialize(cfg, block, analyses).Marshal()
	if err != nil {
		fmt.Printf("Error building output: %v\n", err)
		return exitInfrastructureError
	}

	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, artifact, 0644); err != nil {
			fmt.Println("Error writing file:", err)
			return exitInfrastructureError
		}
	} else {
		fmt.Println(string(artifact))
	}

	if strict && engine.CapExceeded {
		fmt.Printf("Error: maxAddresses (%d) exceeded in strict mode\n", cfg.MaxAddresses)
		return exitCapExceeded
	}
	return exitOK
}
