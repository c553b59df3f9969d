package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cvpilot-ai/backend/internal/auth"
	"github.com/cvpilot-ai/backend/internal/config"
	"github.com/cvpilot-ai/backend/internal/cvs"
	"github.com/cvpilot-ai/backend/internal/database"
	"github.com/cvpilot-ai/backend/internal/document"
	"github.com/cvpilot-ai/backend/internal/logging"
	"github.com/cvpilot-ai/backend/internal/partial"
	"github.com/cvpilot-ai/backend/internal/pipeline"
	"github.com/cvpilot-ai/backend/internal/server"
	"github.com/cvpilot-ai/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "cvpilot-api",
		Short: "cvpilot CV optimization backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("optimizer-base-url", defaults.GetString("optimizer.base_url"), "Optimization service base URL")
	cmd.PersistentFlags().String("optimizer-api-key", "", "Optimization service API key (overrides env)")
	cmd.PersistentFlags().Int("cache-ttl-minutes", defaults.GetInt("cache.ttl_minutes"), "Partial results cache TTL in minutes")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "optimizer.base_url", "optimizer-base-url")
	bindFlag(cmd, "optimizer.api_key", "optimizer-api-key")
	bindFlag(cmd, "cache.ttl_minutes", "cache-ttl-minutes")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}
	return nil
}

// newTokenCommand mints a session token for a user id. Intended for
// operators and local development; production tokens come from the identity
// frontend.
func newTokenCommand() *cobra.Command {
	var userID, email, displayName string
	var ttlMinutes int

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for a user",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}

			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningKey),
				Issuer:        appConfig.AuthIssuer,
				Audience:      appConfig.AuthAudience,
				TokenTTL:      time.Duration(ttlMinutes) * time.Minute,
			})
			signed, expiresAt, err := issuer.IssueSessionToken(auth.SessionSubject{
				UserID:      userID,
				Email:       email,
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), signed)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User id to mint the token for")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name claim")
	cmd.Flags().IntVar(&ttlMinutes, "ttl-minutes", 24*60, "Token lifetime in minutes")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
	})
	if err != nil {
		return err
	}

	identityService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	cvStore, err := cvs.NewStore(cvs.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	dispatcher := server.NewProgressDispatcher()
	pipelineService, err := pipeline.NewService(pipeline.ServiceConfig{
		Database: db,
		CVStore:  cvStore,
		Optimizer: pipeline.NewHTTPOptimizer(pipeline.HTTPOptimizerConfig{
			BaseURL: appConfig.OptimizerBaseURL,
			APIKey:  appConfig.OptimizerAPIKey,
		}),
		Generator: document.NewGenerator(),
		Cache:     partial.NewCache(time.Duration(appConfig.CacheTTLMinutes) * time.Minute),
		Logger:    logger,
		Events:    dispatcher,
	})
	if err != nil {
		return err
	}
	defer pipelineService.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:  validator,
		Identities: identityService,
		CVStore:    cvStore,
		Pipeline:   pipelineService,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
