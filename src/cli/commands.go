package cli

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/CipherKV/src/app"
	"github.com/Blackdeer1524/CipherKV/src/db"
	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
)

func newInitCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mustNotExist := func(e *app.Entrypoint) error {
				_, err := os.Stat(e.Config.Store.Path)
				if err == nil {
					return usageErrorf("store already exists: %s", e.Config.Store.Path)
				}
				if !errors.Is(err, os.ErrNotExist) {
					return err
				}
				return nil
			}

			return withStoreChecked(cmd.Context(), deps, mustNotExist, func(_ *app.Entrypoint, conn *db.Connection) error {
				stats, err := conn.Stats()
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, statsJSON(conn.Path(), stats))
				}
				_, err = fmt.Fprintf(deps.out,
					"created %s\ndatabase_id=%s\npage_size=%d\npayload_size=%d\n",
					conn.Path(), stats.DatabaseID, stats.PageSize, stats.PayloadSize,
				)
				return err
			})
		},
	}
}

func statsJSON(path string, s db.Stats) map[string]any {
	return map[string]any{
		"path":         path,
		"database_id":  s.DatabaseID.String(),
		"page_size":    s.PageSize,
		"payload_size": s.PayloadSize,
		"page_count":   s.PageCount,
		"free_count":   s.FreeCount,
	}
}

func newInfoCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show store layout and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), deps, func(_ *app.Entrypoint, conn *db.Connection) error {
				stats, err := conn.Stats()
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, statsJSON(conn.Path(), stats))
				}
				_, err = fmt.Fprintf(deps.out,
					"path=%s\ndatabase_id=%s\npage_size=%d\npayload_size=%d\npage_count=%d\nfree_count=%d\n",
					conn.Path(),
					stats.DatabaseID,
					stats.PageSize,
					stats.PayloadSize,
					stats.PageCount,
					stats.FreeCount,
				)
				return err
			})
		},
	}
}

func newAllocCommand(deps commandDeps) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "alloc",
		Short: "Allocate pages and print their ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 1 {
				return usageErrorf("--count must be at least 1")
			}

			return withStore(cmd.Context(), deps, func(_ *app.Entrypoint, conn *db.Connection) error {
				pages := make([]common.PageID, 0, count)
				for i := 0; i < count; i++ {
					pageID, err := conn.AllocatePage()
					if err != nil {
						return err
					}
					pages = append(pages, pageID)
				}

				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"pages": pages})
				}
				for _, pageID := range pages {
					if _, err := fmt.Fprintln(deps.out, uint32(pageID)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of pages to allocate")
	return cmd
}

func newFreeCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "free PAGE_ID...",
		Short: "Return pages to the free list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pages := make([]common.PageID, 0, len(args))
			for _, arg := range args {
				pageID, err := parsePageID(arg)
				if err != nil {
					return err
				}
				pages = append(pages, pageID)
			}

			return withStore(cmd.Context(), deps, func(_ *app.Entrypoint, conn *db.Connection) error {
				for _, pageID := range pages {
					if err := conn.FreePage(pageID); err != nil {
						return err
					}
					if !deps.globals.JSON {
						if _, err := fmt.Fprintf(deps.out, "freed %v\n", pageID); err != nil {
							return err
						}
					}
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"freed": pages})
				}
				return nil
			})
		},
	}
}

func newGetCommand(deps commandDeps) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "get PAGE_ID",
		Short: "Print the content of a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pageID, err := parsePageID(args[0])
			if err != nil {
				return err
			}

			return withStore(cmd.Context(), deps, func(_ *app.Entrypoint, conn *db.Connection) error {
				data, err := conn.ReadPage(pageID)
				if err != nil {
					return err
				}

				switch {
				case raw:
					_, err = deps.out.Write(data)
				case deps.globals.JSON:
					err = printJSON(deps.out, map[string]any{
						"page": pageID,
						"data": hex.EncodeToString(data),
					})
				default:
					_, err = io.WriteString(deps.out, hex.Dump(data))
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Write the raw page bytes instead of a hex dump")
	return cmd
}

func newPutCommand(deps commandDeps) *cobra.Command {
	var (
		data     string
		fromFile string
	)

	cmd := &cobra.Command{
		Use:   "put PAGE_ID",
		Short: "Replace the content of a page",
		Long: "Replace the content of a page. The data comes from --data, --file or stdin " +
			"and is zero padded to the page payload size.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pageID, err := parsePageID(args[0])
			if err != nil {
				return err
			}
			if data != "" && fromFile != "" {
				return usageErrorf("--data and --file are mutually exclusive")
			}

			var payload []byte
			switch {
			case data != "":
				payload = []byte(data)
			case fromFile != "":
				if payload, err = os.ReadFile(fromFile); err != nil {
					return mapCommandError(err)
				}
			default:
				if payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return mapCommandError(err)
				}
			}

			return withStore(cmd.Context(), deps, func(_ *app.Entrypoint, conn *db.Connection) error {
				if err := conn.WritePage(pageID, payload); err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"page": pageID, "bytes": len(payload)})
				}
				_, err := fmt.Fprintf(deps.out, "wrote %d bytes to %v\n", len(payload), pageID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "Page content")
	cmd.Flags().StringVar(&fromFile, "file", "", "Read the page content from a file")
	return cmd
}

func newCheckCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the checksum and authentication tag of every page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), deps, func(_ *app.Entrypoint, conn *db.Connection) error {
				report, err := conn.IntegrityCheck(cmd.Context())
				if err != nil {
					return err
				}

				if deps.globals.JSON {
					err = printJSON(deps.out, report)
				} else {
					err = printReport(deps.out, report)
				}
				if err != nil {
					return err
				}

				if !report.OK() {
					return &ExitError{Code: ExitCodeCorrupt, Err: fmt.Errorf("%s failed the integrity check", conn.Path())}
				}
				return nil
			})
		},
	}
}

func printReport(w io.Writer, r *db.IntegrityReport) error {
	var b strings.Builder
	fmt.Fprintf(&b, "checked=%d data=%d blank=%d free=%d free_count=%d\n",
		r.Checked, r.Data, r.Blank, r.Free, r.FreeCount)
	for _, p := range r.Corrupt {
		fmt.Fprintf(&b, "corrupt %v\n", p)
	}
	for _, p := range r.Unauthenticated {
		fmt.Fprintf(&b, "unauthenticated %v\n", p)
	}
	for _, p := range r.Unreadable {
		fmt.Fprintf(&b, "unreadable %v\n", p)
	}
	if uint32(r.Free) != r.FreeCount {
		fmt.Fprintf(&b, "free list mismatch: %d free slots, header says %d\n", r.Free, r.FreeCount)
	}
	if r.OK() {
		b.WriteString("ok\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func newRekeyCommand(deps commandDeps) *cobra.Command {
	var newKeyFile string

	cmd := &cobra.Command{
		Use:   "rekey",
		Short: "Re-encrypt the store under a new key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if newKeyFile == "" {
				return usageErrorf("rekey requires --new-key-file")
			}
			newKey, err := app.ReadKeyFile(newKeyFile)
			if err != nil {
				return mapCommandError(err)
			}

			return withStore(cmd.Context(), deps, func(_ *app.Entrypoint, conn *db.Connection) error {
				if err := conn.Rekey(newKey); err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"rekeyed": conn.Path()})
				}
				_, err := fmt.Fprintf(deps.out, "rekeyed %s\n", conn.Path())
				return err
			})
		},
	}
	cmd.Flags().StringVar(&newKeyFile, "new-key-file", "", "File holding the new key (required)")
	return cmd
}
