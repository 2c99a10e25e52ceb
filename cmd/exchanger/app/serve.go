package app

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openvcx/exchanger/pkg/api"
	v1 "github.com/openvcx/exchanger/pkg/api/v1"
	"github.com/openvcx/exchanger/pkg/auth"
	"github.com/openvcx/exchanger/pkg/didkey"
	"github.com/openvcx/exchanger/pkg/exchange"
	"github.com/openvcx/exchanger/pkg/issuer"
	"github.com/openvcx/exchanger/pkg/logger"
	"github.com/openvcx/exchanger/pkg/oid4vci"
	"github.com/openvcx/exchanger/pkg/oid4vp"
	"github.com/openvcx/exchanger/pkg/steps"
	"github.com/openvcx/exchanger/pkg/verifier"
	"github.com/openvcx/exchanger/pkg/workflow"
	"github.com/openvcx/exchanger/pkg/zcap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the exchanger server",
	Long: `Start the exchanger server. Workflow and exchange state lives in redis when
--redis-url is set, in process memory otherwise.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("base-url", "http://localhost:8080", "Absolute URL this service is reachable at")
	serveCmd.Flags().String("redis-url", "", "Redis URL for persistent state (redis://...)")
	serveCmd.Flags().String("signing-key", "", "Path to the service's Ed25519 private key as a JWK")
	serveCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("log-json", false, "Emit structured JSON logs")

	for _, flag := range []string{"address", "base-url", "redis-url", "signing-key", "log-level", "log-json"} {
		if err := viper.BindPFlag(flag, serveCmd.Flags().Lookup(flag)); err != nil {
			logger.Panicf("Failed to bind %s flag: %v", flag, err)
		}
	}
	viper.SetEnvPrefix("EXCHANGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadSigningKey reads the service's Ed25519 key from a JWK file, or mints
// an ephemeral one when no path is configured.
func loadSigningKey(path string) (ed25519.PrivateKey, string, error) {
	var key ed25519.PrivateKey
	if path == "" {
		_, generated, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, "", fmt.Errorf("failed to generate signing key: %w", err)
		}
		key = generated
		logger.Warn("no signing key configured; using an ephemeral key")
	} else {
		raw, err := os.ReadFile(path) // #nosec G304 - operator-chosen key path
		if err != nil {
			return nil, "", fmt.Errorf("failed to read signing key: %w", err)
		}
		parsed, err := jwk.ParseKey(raw)
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse signing key JWK: %w", err)
		}
		if err := jwk.Export(parsed, &key); err != nil {
			return nil, "", fmt.Errorf("signing key is not an Ed25519 private key: %w", err)
		}
	}

	did, err := didkey.FromEd25519(key.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, "", fmt.Errorf("failed to derive the service DID: %w", err)
	}
	logger.Infow("service signing identity", "did", did)
	return key, didkey.VerificationMethod(did), nil
}

func runServe(_ *cobra.Command, _ []string) error {
	logger.Initialize(viper.GetString("log-level"), !viper.GetBool("log-json"))

	address := viper.GetString("address")
	baseURL := strings.TrimSuffix(viper.GetString("base-url"), "/")

	key, keyID, err := loadSigningKey(viper.GetString("signing-key"))
	if err != nil {
		return err
	}
	invoker := zcap.NewInvoker(key, keyID, nil)

	clock := clockwork.NewRealClock()
	var exchangeStore exchange.Store
	var workflowStore workflow.Store
	if redisURL := viper.GetString("redis-url"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		exchangeStore = exchange.NewRedisStore(client, clock)
		workflowStore = workflow.NewRedisStore(client)
		logger.Info("using redis state stores")
	} else {
		exchangeStore = exchange.NewMemoryStore(clock)
		workflowStore = workflow.NewMemoryStore()
		logger.Warn("using in-memory state stores; state is lost on restart")
	}

	engine := exchange.NewEngine(exchangeStore, clock)
	runner := steps.NewRunner(engine, verifier.NewClient(invoker), issuer.NewClient(invoker))
	vpService := oid4vp.NewService(engine, runner, invoker)
	vciService := oid4vci.NewService(engine, runner, vpService)
	offers := oid4vci.NewOfferStore(oid4vci.DefaultOfferTTL)
	defer offers.Close()

	services := v1.Services{
		Registry:   workflow.NewRegistry(workflowStore, baseURL+"/workflows"),
		Engine:     engine,
		Runner:     runner,
		OID4VCI:    vciService,
		OID4VP:     vpService,
		Offers:     offers,
		Authorizer: auth.Any{auth.ZcapAuthorizer{}, auth.NewOAuth2Authorizer()},
		BaseURL:    baseURL,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return api.Serve(ctx, address, services)
}
