// Package worker runs one account's trading process: it connects the
// terminal session, builds the trading stack, and hands control to the
// engine's stdio command loop.
package worker

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/internal/config"
	"github.com/fxgrid/trading-orchestrator/internal/emergency"
	"github.com/fxgrid/trading-orchestrator/internal/engine"
	"github.com/fxgrid/trading-orchestrator/internal/positions"
	"github.com/fxgrid/trading-orchestrator/internal/strategy"
	"github.com/fxgrid/trading-orchestrator/internal/terminal"
	"github.com/fxgrid/trading-orchestrator/internal/trader"
)

// EmergencyMarkerName is the flag file kept next to the configuration
// document, shared by the control process and every worker.
const EmergencyMarkerName = "EMERGENCY_STOP"

// paperServer selects the in-memory simulator instead of a live terminal.
const paperServer = "paper"

// Options are the worker subcommand's parsed arguments.
type Options struct {
	Account    int64
	ConfigPath string
	BridgeURL  string
	LogLevel   string
}

// ParseArgs reads the worker flags.
func ParseArgs(args []string) (Options, error) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	account := fs.Int64("account", 0, "Account id to trade")
	configPath := fs.String("config", "config.yaml", "Configuration document path")
	bridgeURL := fs.String("bridge", "ws://127.0.0.1:9002/rpc", "Terminal bridge websocket URL")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	if *account == 0 {
		return Options{}, fmt.Errorf("--account is required")
	}
	return Options{
		Account:    *account,
		ConfigPath: *configPath,
		BridgeURL:  *bridgeURL,
		LogLevel:   *logLevel,
	}, nil
}

// Run executes the worker until the orchestrator shuts it down. Results go
// to stdout; all logging goes to stderr to keep the protocol stream clean.
func Run(ctx context.Context, logger *zap.Logger, opts Options) error {
	logger = logger.With(zap.Int64("account", opts.Account))

	store, err := config.NewStore(logger, opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	acct, ok := store.Account(opts.Account)
	if !ok {
		return fmt.Errorf("account %d is not configured", opts.Account)
	}

	creds, err := credentials(opts.Account, acct)
	if err != nil {
		return err
	}

	session := buildSession(logger, acct, creds, opts.BridgeURL)
	if err := session.Connect(ctx, creds); err != nil {
		return fmt.Errorf("connect terminal: %w", err)
	}
	logger.Info("terminal session established", zap.String("server", acct.Server))

	accEff, err := store.ResolveAccount(opts.Account)
	if err != nil {
		return fmt.Errorf("resolve account config: %w", err)
	}

	var predictor strategy.Predictor
	var sentiment strategy.SentimentProvider
	if accEff.Execution.UseMLEnhancement {
		if url := os.Getenv("ML_SERVICE_URL"); url != "" {
			predictor = strategy.NewHTTPPredictor(url, logger)
		}
	}
	if accEff.Execution.UseSentimentFilter {
		if url := os.Getenv("SENTIMENT_SERVICE_URL"); url != "" {
			sentiment = strategy.NewHTTPSentiment(url, logger)
		}
	}

	composer := strategy.NewComposer(logger, predictor, sentiment)
	manager := positions.NewManager(logger, session)
	tr := trader.New(logger, session, composer, manager)
	emerg := emergency.NewFlag(MarkerPath(opts.ConfigPath), logger)

	eng := engine.New(logger, opts.Account, store, session, tr, emerg, os.Stdin, os.Stdout)
	return eng.Run(ctx)
}

// MarkerPath places the emergency marker next to the configuration document.
func MarkerPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), EmergencyMarkerName)
}

// credentials builds the terminal login from the environment. Passwords are
// never stored in the configuration document.
func credentials(account int64, acct config.AccountConfig) (terminal.Credentials, error) {
	envName := acct.PasswordEnv
	if envName == "" {
		envName = "TERMINAL_PASSWORD_" + strconv.FormatInt(account, 10)
	}
	password := os.Getenv(envName)
	if password == "" && !isPaper(acct.Server) {
		return terminal.Credentials{}, fmt.Errorf("account %d: password env %s is empty", account, envName)
	}
	return terminal.Credentials{
		Login:    acct.Login,
		Password: password,
		Server:   acct.Server,
	}, nil
}

// buildSession picks the simulator for paper accounts and the breaker-wrapped
// bridge for live ones.
func buildSession(logger *zap.Logger, acct config.AccountConfig, creds terminal.Credentials, bridgeURL string) terminal.Session {
	if isPaper(acct.Server) {
		logger.Info("paper account, using simulated terminal")
		return terminal.NewSimSession()
	}
	bridge := terminal.NewBridgeSession(bridgeURL, logger)
	return terminal.NewBreakerSession(bridge, terminal.DefaultBreakerSettings(), logger)
}

func isPaper(server string) bool {
	return strings.EqualFold(server, paperServer)
}
