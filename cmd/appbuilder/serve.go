package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"appbuilder/internal/kernel"
	"appbuilder/pkg/config"
)

// shutdownGrace bounds how long in-flight runs may finish after a signal.
// Runs still going afterwards stay marked running and resume on next start.
const shutdownGrace = 30 * time.Second

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := loadSecrets(cfg); err != nil {
		return err
	}

	k, err := kernel.NewKernel(ctx, cfg)
	if err != nil {
		return err
	}
	if err := k.Start(); err != nil {
		_ = k.Stop(context.Background())
		return err
	}
	k.StartWebUI()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-k.WebErrors():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := errors.Join(serveErr, k.Stop(shutdownCtx)); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
