package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/logging"
	"stageline/internal/metrics"
	"stageline/internal/repo"
	"stageline/internal/server"
	"stageline/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") || settings.Addr == "" {
				settings.Addr = addr
			}
			if cmd.Flags().Changed("base-path") || settings.BasePath == "" {
				settings.BasePath = basePath
			}

			logger := logging.New(settings.LogLevel, settings.LogPretty)
			if settings.JWTSecret == "" && !settings.AllowLegacyActorHeader {
				logger.Warn().Msg("STAGELINE_JWT_SECRET is not set; only API keys are accepted")
			}
			shutdownTracing, err := telemetry.Setup(cmd.Context(), telemetry.Config{
				Endpoint:       settings.OTLPEndpoint,
				Insecure:       settings.OTLPInsecure,
				ServiceName:    "stageline",
				ServiceVersion: version,
			})
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(ctx); err != nil {
					logger.Warn().Err(err).Msg("tracing shutdown")
				}
			}()

			m := metrics.New()
			rt, err := app.Open(cmd.Context(), app.Options{
				Workspace: viper.GetString("workspace"),
				Settings:  settings,
				Logger:    logger,
				Metrics:   m,
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: settings.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:              settings.JWTSecret,
					JWTIssuer:              settings.JWTIssuer,
					JWTAudience:            settings.JWTAudience,
					AllowLegacyActorHeader: settings.AllowLegacyActorHeader,
					Logger:                 logging.Component(logger, "auth"),
				},
				Metrics:         m,
				Logger:          logging.Component(logger, "http"),
				DefaultTemplate: rt.Config.DefaultTemplateID(),
				MaxPageSize:     settings.MaxPageSize,
				Version:         version,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: settings.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info().Str("addr", settings.Addr).Str("base_path", settings.BasePath).Msg("serving stageline api")
			fmt.Printf("Serving Stageline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n",
				settings.Addr, settings.BasePath, settings.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}

	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(actor) == "" {
				return fmt.Errorf("--actor is required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				key, secret := repo.NewAPIKey(actor, name, time.Now())
				if err := rt.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": secret})
				}
				fmt.Printf("Created API key %s for %s\n%s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")

	var filter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Engine.Repo.ListAPIKeys(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Actor", "Name", "Created", "Last used")
				for _, key := range keys {
					tw.AppendRow([]any{key.ID, key.ActorID, key.Name, key.CreatedAt, derefOr(key.LastUsedAt, "never")})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&filter, "actor", "", "only keys of this actor")

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked API key %s\n", args[0])
				return nil
			})
		},
	}

	k.AddCommand(create, list, revoke)
	return k
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Issue bearer tokens for the HTTP API"}
	var (
		subject string
		ttl     time.Duration
	)
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Sign a JWT with STAGELINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings()
			if err != nil {
				return err
			}
			if subject == "" {
				subject = actorID()
			}
			token, err := server.MintToken(settings.JWTSecret, subject, settings.JWTIssuer, settings.JWTAudience, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	mint.Flags().StringVar(&subject, "subject", "", "actor id carried in the token (defaults to --actor-id)")
	mint.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	t.AddCommand(mint)
	return t
}
