package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/reelcut/mediaupload/api"
	"github.com/reelcut/mediaupload/multipart/s3store"
	"github.com/reelcut/mediaupload/stepconf"
)

type serveConfig struct {
	Addr            string          `env:"MEDIAUPLOAD_ADDR"`
	Token           stepconf.Secret `env:"MEDIAUPLOAD_TOKEN,required"`
	Provider        string          `env:"S3_PROVIDER"`
	Region          string          `env:"S3_REGION,required"`
	Bucket          string          `env:"S3_BUCKET,required"`
	Endpoint        string          `env:"S3_ENDPOINT,url"`
	AccessKeyID     string          `env:"S3_ACCESS_KEY_ID"`
	SecretAccessKey stepconf.Secret `env:"S3_SECRET_ACCESS_KEY"`
	CDNURL          string          `env:"CDN_URL,url"`
	PresignExpiry   time.Duration   `env:"PRESIGN_EXPIRY"`
	ShutdownTimeout time.Duration   `env:"SHUTDOWN_TIMEOUT"`
}

func defaultServeConfig() serveConfig {
	return serveConfig{
		Addr:            ":8080",
		Provider:        s3store.ProviderAWS,
		PresignExpiry:   s3store.DefaultPresignExpiry,
		ShutdownTimeout: 5 * time.Second,
	}
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the upload authorization API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := defaultServeConfig()
			if err := ctx.inputs.Parse(&cfg); err != nil {
				return err
			}
			stepconf.Print(cfg)

			store, err := s3store.New(cmd.Context(), s3store.Params{
				Provider:        cfg.Provider,
				Region:          cfg.Region,
				Bucket:          cfg.Bucket,
				Endpoint:        cfg.Endpoint,
				AccessKeyID:     cfg.AccessKeyID,
				SecretAccessKey: string(cfg.SecretAccessKey),
				CDNBaseURL:      cfg.CDNURL,
				PresignExpiry:   cfg.PresignExpiry,
			}, ctx.logger)
			if err != nil {
				return fmt.Errorf("connect to object store: %w", err)
			}

			server := &http.Server{
				Addr:              cfg.Addr,
				Handler:           api.NewServer(store, string(cfg.Token), ctx.logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			return serve(cmd.Context(), server, cfg.ShutdownTimeout, ctx.logger)
		},
	}
}

// serve runs server until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger log.Logger) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Infof("Listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		logger.Infof("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Errorf("Server stopped: %s", err)
		return err
	}

	logger.Donef("Server stopped")
	return nil
}
