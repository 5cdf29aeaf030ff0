package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/infrastructure/postgres"
	"github.com/rxcare/rxcare/internal/infrastructure/redpanda"
)

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			ctx := cmd.Context()
			pool, err := postgres.NewPool(ctx, postgres.PoolConfig{URL: a.cfg.DatabaseURL, MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := postgres.Migrate(ctx, pool, a.logger)
			if err != nil {
				return err
			}
			a.logger.Info("migrations complete", zap.Int("applied", n))
			return nil
		},
	}
}

func (a *app) topicsCmd() *cobra.Command {
	var (
		replication int16
		lagGroups   []string
	)
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Create the Redpanda topics and report consumer lag",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.cfg.KafkaEnabled() {
				return errors.New("KAFKA_BROKERS is required")
			}
			ctx := cmd.Context()
			admin, err := redpanda.NewAdmin(a.cfg.KafkaBrokers, a.logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			if err := admin.EnsureTopics(ctx, redpanda.DefaultTopicConfigs(replication)); err != nil {
				return err
			}
			names, err := admin.ListTopics(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "topics:", strings.Join(names, ", "))

			for _, g := range lagGroups {
				lag, err := admin.GroupLag(ctx, g)
				if err != nil {
					return err
				}
				for topic, n := range lag {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\n", g, topic, n)
				}
			}
			return nil
		},
	}
	cmd.Flags().Int16Var(&replication, "replication", 1, "replication factor for new topics")
	cmd.Flags().StringSliceVar(&lagGroups, "lag", nil, "consumer groups to report lag for")
	return cmd
}
