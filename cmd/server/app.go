package main

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/warp/sale-transition/config"
	"github.com/warp/sale-transition/conflict"
	"github.com/warp/sale-transition/failsafe"
	"github.com/warp/sale-transition/store/sqlite"
	"github.com/warp/sale-transition/transition"
)

// app is the wired dependency graph shared by the commands.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	store   *sqlite.Store
	service *transition.Service

	closeLocker func() error
}

func newApp(ctx context.Context, opts *RootOptions, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.EnvFiles...)
	if err != nil {
		return nil, err
	}
	if opts.DBPath != "" {
		cfg.Database.Path = opts.DBPath
	}

	logger, err := config.NewLogger(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}
	approval, err := cfg.ApprovalConfig()
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	locker, closeLocker, err := config.NewLocker(ctx, cfg, logger.WithField("component", "locker"))
	if err != nil {
		store.Close()
		return nil, err
	}

	detector := conflict.NewDetector(store, cfg.Failsafe.ScanTimeout, logger.WithField("component", "detector"))
	evaluator := &failsafe.Evaluator{Config: approval, Items: store, Authority: store}
	manager := failsafe.NewManager(store, store, locker, cfg.Failsafe.RollbackWindow, logger.WithField("component", "failsafe"))
	service := transition.NewService(store, store, detector, evaluator, manager, logger.WithField("component", "transition"))

	return &app{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		service:     service,
		closeLocker: closeLocker,
	}, nil
}

func (a *app) Close() error {
	return errors.Join(a.closeLocker(), a.store.Close())
}
