package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/sanketsaagar/lightchain-pevm/internal/pevmcfg"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/pevmtypes"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/storage"
)

const (
	cliName = "lightchain-cli"
	version = "v1.0.0"
	banner  = `
⚡ LightChain Parallel EVM Developer CLI
Block-STM style optimistic-concurrency transaction execution
`
)

var (
	configPath     string
	concurrency    int
	forceSequential bool
)

var rootCmd = &cobra.Command{
	Use:   cliName,
	Short: "LightChain Parallel EVM Developer CLI",
	Long: banner + `
The lightchain-cli tools drive blocks through the parallel executor and
report timing and scheduler metrics for one run; --sequential runs the
block on the sequential path instead.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(banner)
		cmd.Help()
	},
}

var benchCmd = &cobra.Command{
	Use:   "bench [transactions]",
	Short: "Execute a synthetic block and report timing",
	Long: `Generates a synthetic block of value-transfer transactions, all paying
the same beneficiary, and runs it through the parallel executor.

Examples:
  lightchain-cli bench 500
  lightchain-cli bench 2000 --concurrency 4
  lightchain-cli bench 500 --sequential`,
	Args: cobra.ExactArgs(1),
	RunE: runBench,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to executor config file")
	benchCmd.Flags().IntVar(&concurrency, "concurrency", 0, "worker count override (0 uses config default)")
	benchCmd.Flags().BoolVar(&forceSequential, "sequential", false, "force sequential execution")
	rootCmd.AddCommand(benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runBench(cmd *cobra.Command, args []string) error {
	n, err := parsePositiveInt(args[0])
	if err != nil {
		return fmt.Errorf("invalid transaction count %q: %w", args[0], err)
	}

	cfg := pevmcfg.Default()
	if configPath != "" {
		loaded, err := pevmcfg.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if concurrency > 0 {
		cfg.Execution.MaxConcurrency = concurrency
	}
	cfg.Execution.ForceSequential = cfg.Execution.ForceSequential || forceSequential

	store, block := buildSyntheticBlock(n)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Execution.TxTimeout*time.Duration(n+1))
	defer cancel()

	start := time.Now()
	result, err := pevm.Execute(ctx, block, store, pevm.Config{
		MaxConcurrency:  cfg.Execution.MaxConcurrency,
		ForceSequential: cfg.Execution.ForceSequential,
	})
	elapsed := time.Since(start)
	if err != nil {
		return fmt.Errorf("block execution failed: %w", err)
	}

	tps := float64(len(result.Transactions)) / elapsed.Seconds()
	fmt.Printf("ran %d transactions in %s (%.0f tx/s, sequential=%v)\n", len(result.Transactions), elapsed, tps, result.RanSequential)
	fmt.Printf("executions=%d validations=%d aborts=%d\n", result.Metrics.Executions, result.Metrics.Validations, result.Metrics.Aborts)
	return nil
}

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

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return n, nil
}
