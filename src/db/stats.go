package db

import (
	"github.com/google/uuid"

	"github.com/Blackdeer1524/CipherKV/src/bufferpool"
	"github.com/Blackdeer1524/CipherKV/src/txns"
)

type Stats struct {
	DatabaseID  uuid.UUID
	PageSize    uint32
	PayloadSize int
	PageCount   uint32
	FreeCount   uint32
	Cache       bufferpool.Stats
	Txn         txns.State
}

func (c *Connection) Stats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureOpenAssumeLocked(); err != nil {
		return Stats{}, err
	}

	return Stats{
		DatabaseID:  c.store.DatabaseID(),
		PageSize:    c.store.PageSize(),
		PayloadSize: c.pool.PlaintextSize(),
		PageCount:   c.store.PageCount(),
		FreeCount:   c.store.FreeCount(),
		Cache:       c.pool.Stats(),
		Txn:         c.txns.State(),
	}, nil
}
