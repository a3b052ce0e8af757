package main

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var serviceTokenCmd = &cobra.Command{
	Use:   "service-token",
	Short: "Print the cached service access token, fetching a new one if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		cache, closeCache, err := newTokenCache(cfg, logger, prometheus.NewRegistry())
		if err != nil {
			return err
		}
		defer closeCache()
		if cache == nil {
			return errors.New("SERVICE_TOKEN_URL is not set")
		}

		tok, err := cache.Ensure(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}
