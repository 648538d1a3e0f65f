package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/panjf2000/ants"

	"github.com/Blackdeer1524/CipherKV/src/cipher"
	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
	"github.com/Blackdeer1524/CipherKV/src/storage/disk"
)

type PageProblem struct {
	PageID common.PageID
	Err    error
}

func (p PageProblem) String() string {
	return fmt.Sprintf("%v: %v", p.PageID, p.Err)
}

func (p PageProblem) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		PageID uint32 `json:"page_id"`
		Error  string `json:"error"`
	}{uint32(p.PageID), p.Err.Error()})
}

// IntegrityReport describes what IntegrityCheck found in the store. Only
// committed content is checked; pages dirty in an open transaction are not.
type IntegrityReport struct {
	Checked int `json:"checked"`
	Data    int `json:"data"`
	Blank   int `json:"blank"`
	Free    int `json:"free"`

	// FreeCount is the free list length recorded in the header.
	FreeCount uint32 `json:"free_count"`

	Corrupt         []PageProblem `json:"corrupt,omitempty"`
	Unauthenticated []PageProblem `json:"unauthenticated,omitempty"`
	Unreadable      []PageProblem `json:"unreadable,omitempty"`
}

func (r *IntegrityReport) OK() bool {
	return len(r.Corrupt) == 0 &&
		len(r.Unauthenticated) == 0 &&
		len(r.Unreadable) == 0 &&
		uint32(r.Free) == r.FreeCount
}

// IntegrityCheck reads every page of the store and verifies both its slot
// checksum and its authentication tag. Pages are checked by a bounded worker
// pool. The returned error covers failures of the check itself; damaged
// pages are listed in the report.
func (c *Connection) IntegrityCheck(ctx context.Context) (*IntegrityReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureOpenAssumeLocked(); err != nil {
		return nil, err
	}

	workerPool, err := ants.NewPool(c.opts.workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	defer workerPool.Release()

	report := &IntegrityReport{FreeCount: c.store.FreeCount()}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	pageCount := c.store.PageCount()
	for id := uint32(1); id < pageCount; id++ {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, err
		}

		pageID := common.PageID(id)
		wg.Add(1)
		err := workerPool.Submit(func() {
			defer wg.Done()

			kind, problem := c.checkPage(pageID)

			mu.Lock()
			defer mu.Unlock()
			report.add(kind, problem)
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return nil, fmt.Errorf("submit %v: %w", pageID, err)
		}
	}
	wg.Wait()

	for _, problems := range [][]PageProblem{report.Corrupt, report.Unauthenticated, report.Unreadable} {
		slices.SortFunc(problems, func(a, b PageProblem) int {
			return int(a.PageID) - int(b.PageID)
		})
	}

	if !report.OK() {
		c.log.Warnw(
			"integrity check found problems",
			"path", c.path,
			"corrupt", len(report.Corrupt),
			"unauthenticated", len(report.Unauthenticated),
			"unreadable", len(report.Unreadable),
			"free", report.Free,
			"free_count", report.FreeCount,
		)
	}
	return report, nil
}

type pageKind int

const (
	pageData pageKind = iota
	pageBlank
	pageFree
	pageCorrupt
	pageUnauthenticated
	pageUnreadable
)

func (c *Connection) checkPage(pageID common.PageID) (pageKind, *PageProblem) {
	raw, err := c.store.ReadPage(pageID)
	switch {
	case err == nil:
	case errors.Is(err, disk.ErrBlankPage):
		return pageBlank, nil
	case errors.Is(err, disk.ErrPageFree):
		return pageFree, nil
	case errors.Is(err, disk.ErrCorruptPage):
		return pageCorrupt, &PageProblem{PageID: pageID, Err: err}
	default:
		return pageUnreadable, &PageProblem{PageID: pageID, Err: err}
	}

	if _, err := c.cipher.Open(raw, pageID); err != nil {
		if errors.Is(err, cipher.ErrAuthenticationFailure) {
			return pageUnauthenticated, &PageProblem{PageID: pageID, Err: err}
		}
		return pageUnreadable, &PageProblem{PageID: pageID, Err: err}
	}
	return pageData, nil
}

func (r *IntegrityReport) add(kind pageKind, problem *PageProblem) {
	r.Checked++
	switch kind {
	case pageData:
		r.Data++
	case pageBlank:
		r.Blank++
	case pageFree:
		r.Free++
	case pageCorrupt:
		r.Corrupt = append(r.Corrupt, *problem)
	case pageUnauthenticated:
		r.Unauthenticated = append(r.Unauthenticated, *problem)
	case pageUnreadable:
		r.Unreadable = append(r.Unreadable, *problem)
	}
}
