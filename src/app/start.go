package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/CipherKV/src"
	"github.com/Blackdeer1524/CipherKV/src/db"
)

// Entrypoint wires configuration, logging and a store connection for the
// command line tools.
type Entrypoint struct {
	Load   LoadOptions
	Config Config

	conn *db.Connection
	log  src.Logger
}

func (e *Entrypoint) Init(_ context.Context) error {
	cfg, err := Load(e.Load)
	if err != nil {
		return err
	}
	e.Config = cfg

	logger, err := NewLogger(cfg.Environment, cfg.Logging)
	if err != nil {
		return err
	}
	e.log = logger.Sugar()
	return nil
}

func (e *Entrypoint) Logger() src.Logger {
	if e.log == nil {
		return zap.NewNop().Sugar()
	}
	return e.log
}

// Open connects to the configured store with key. The connection is closed
// by Close.
func (e *Entrypoint) Open(_ context.Context, key []byte) (*db.Connection, error) {
	opts, err := e.Config.DBOptions(e.Logger())
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(e.Config.Store.Path, key, opts...)
	if err != nil {
		return nil, err
	}
	e.conn = conn
	return conn, nil
}

func (e *Entrypoint) Close() (err error) {
	if e.conn != nil {
		err = e.conn.Close()
		e.conn = nil
	}

	if e.log != nil {
		if err != nil {
			e.log.Errorw("failed to close store", "error", err)
		}
		// syncing stderr fails on most terminals
		_ = e.log.Sync()
	}
	return err
}
