package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/sanketsaagar/lightchain-pevm/internal/pevmcfg"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/pevmtypes"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/storage"
)

const (
	appName = "LightChain Parallel EVM"
	version = "v1.0.0"
)

func main() {
	var (
		showVersion    = flag.Bool("version", false, "Show version information")
		configPath     = flag.String("config", "", "Path to executor config file (optional)")
		logLevel       = flag.String("log-level", "info", "Log level: debug, info, warn, error")
		txCount        = flag.Int("txs", 200, "Number of synthetic transfer transactions to execute")
		maxConcurrency = flag.Int("concurrency", 0, "Worker count override (0 uses config default)")
		forceSeq       = flag.Bool("sequential", false, "Force sequential execution")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", appName, version)
		os.Exit(0)
	}

	logger := setupLogger(*logLevel)

	cfg := pevmcfg.Default()
	if *configPath != "" {
		loaded, err := pevmcfg.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *maxConcurrency > 0 {
		cfg.Execution.MaxConcurrency = *maxConcurrency
	}
	cfg.Execution.ForceSequential = cfg.Execution.ForceSequential || *forceSeq

	logger.Printf("🚀 Starting %s %s", appName, version)
	logger.Printf("   • Transactions: %d", *txCount)
	logger.Printf("   • Max concurrency: %d", cfg.Execution.MaxConcurrency)
	logger.Printf("   • Force sequential: %v", cfg.Execution.ForceSequential)

	store, block := buildSyntheticBlock(*txCount)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Execution.TxTimeout*time.Duration(len(block.Transactions)+1))
	defer cancel()

	start := time.Now()
	result, err := pevm.Execute(ctx, block, store, pevm.Config{
		MaxConcurrency:  cfg.Execution.MaxConcurrency,
		ForceSequential: cfg.Execution.ForceSequential,
	})
	elapsed := time.Since(start)
	if err != nil {
		log.Fatalf("block execution failed: %v", err)
	}

	logger.Printf("✅ Executed %d transactions in %s (sequential=%v)", len(result.Transactions), elapsed, result.RanSequential)
	if cfg.Metrics.Enabled {
		logger.Printf("   • Executions: %d", result.Metrics.Executions)
		logger.Printf("   • Validations: %d", result.Metrics.Validations)
		logger.Printf("   • Aborts: %d", result.Metrics.Aborts)
	}
}

// buildSyntheticBlock generates a chain of pure-value transfers between a
// small set of accounts, all crediting the same beneficiary — the worst
// case for a naive serializer and the case lazy balance addition exists
// for.
func buildSyntheticBlock(n int) (storage.Storage, pevm.Block) {
	const accountCount = 32
	accounts := make([]common.Address, accountCount)
	for i := range accounts {
		accounts[i] = randomAddress()
	}
	beneficiary := randomAddress()

	store := storage.NewInMemory()
	for _, a := range accounts {
		store.SetAccount(a, &pevmtypes.AccountBasic{Balance: uint256.NewInt(1_000_000_000_000)})
	}
	store.SetAccount(beneficiary, &pevmtypes.AccountBasic{Balance: uint256.NewInt(0)})

	txs := make([]pevm.Transaction, n)
	for i := 0; i < n; i++ {
		from := accounts[i%accountCount]
		to := accounts[(i+1)%accountCount]
		txs[i] = pevm.Transaction{
			From:      from,
			To:        &to,
			Nonce:     uint64(i / accountCount),
			Value:     uint256.NewInt(1000),
			GasLimit:  21000,
			GasPrice:  uint256.NewInt(1_000_000_000),
			GasFeeCap: uint256.NewInt(1_000_000_000),
			GasTipCap: uint256.NewInt(1_000_000_000),
		}
	}

	block := pevm.Block{
		ChainConfig: &params.ChainConfig{ChainID: big.NewInt(1337), LondonBlock: big.NewInt(0)},
		Header: pevm.Header{
			Number:       1,
			Time:         uint64(time.Now().Unix()),
			GasLimit:     30_000_000,
			Coinbase:     beneficiary,
			GetBlockHash: func(uint64) common.Hash { return common.Hash{} },
		},
		Transactions: txs,
	}
	return store, block
}

func randomAddress() common.Address {
	var a common.Address
	rand.Read(a[:])
	return a
}

func setupLogger(level string) *log.Logger {
	return log.New(os.Stdout, fmt.Sprintf("[%s] ", appName), log.LstdFlags)
}
