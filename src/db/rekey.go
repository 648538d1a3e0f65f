package db

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/CipherKV/src/cipher"
	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
	"github.com/Blackdeer1524/CipherKV/src/recovery"
	"github.com/Blackdeer1524/CipherKV/src/storage/disk"
)

// Rekey re-encrypts every written page under newKey and stores fresh cipher
// parameters. The header and all pages go through the log as one batch, so a
// crash leaves the store entirely under one key. It must not run inside a
// transaction.
func (c *Connection) Rekey(newKey []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureOpenAssumeLocked(); err != nil {
		return err
	}
	if c.txns.Active() {
		return fmt.Errorf("%w: commit or roll back before rekeying", ErrAlreadyActive)
	}

	params, err := cipher.NewParams(c.opts.kdf, c.opts.argon2)
	if err != nil {
		return err
	}
	next, err := cipher.New(newKey, params, c.store.DatabaseID())
	if err != nil {
		return err
	}

	records, err := c.resealAssumeLocked(next)
	if err == nil {
		err = c.txns.ApplyBatch(records)
	}
	if err != nil {
		next.Destroy()
		return fmt.Errorf("rekey: %w", err)
	}

	c.pool.SetCipher(next)
	c.cipher.Destroy()
	c.cipher = next

	c.log.Infow("rekeyed store", "path", c.path, "pages", len(records)-1, "kdf", params.KDF)
	return nil
}

func (c *Connection) resealAssumeLocked(next *cipher.Cipher) ([]recovery.Record, error) {
	params, err := next.Params()
	if err != nil {
		return nil, err
	}
	encoded, err := params.MarshalBinary()
	if err != nil {
		return nil, err
	}
	header, err := c.store.StageCipherParams(encoded)
	if err != nil {
		return nil, err
	}

	pageCount := c.store.PageCount()
	sealed := make([][]byte, pageCount)

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(c.opts.workers)
	for id := uint32(1); id < pageCount; id++ {
		id := id
		pageID := common.PageID(id)
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			raw, err := c.store.ReadPage(pageID)
			if errors.Is(err, disk.ErrBlankPage) || errors.Is(err, disk.ErrPageFree) {
				return nil
			}
			if err != nil {
				return err
			}

			plaintext, err := c.cipher.Open(raw, pageID)
			if err != nil {
				return err
			}
			image, err := next.Seal(plaintext, pageID)
			if err != nil {
				return err
			}
			sealed[id] = image
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	records := []recovery.Record{{PageID: common.HeaderPageID, AfterImage: header}}
	for id, image := range sealed {
		if image == nil {
			continue
		}
		before, err := c.store.Checksum(common.PageID(id))
		if err != nil {
			return nil, err
		}
		records = append(records, recovery.Record{
			PageID:         common.PageID(id),
			BeforeChecksum: before,
			AfterImage:     image,
		})
	}
	return records, nil
}
