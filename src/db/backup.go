package db

import (
	"fmt"
	"io"
)

// Backup streams a consistent image of the committed store to w. Pages stay
// sealed, so the copy opens with the same key. Changes of an active
// transaction are not included.
func (c *Connection) Backup(w io.Writer) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureOpenAssumeLocked(); err != nil {
		return 0, err
	}

	n, err := c.store.Backup(w)
	if err != nil {
		return n, fmt.Errorf("backup %s: %w", c.path, err)
	}
	c.log.Infow("backed up store", "path", c.path, "bytes", n)
	return n, nil
}
