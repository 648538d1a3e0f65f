package cli

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/ulikunitz/xz"

	"github.com/Blackdeer1524/CipherKV/src/app"
	"github.com/Blackdeer1524/CipherKV/src/db"
	"github.com/Blackdeer1524/CipherKV/src/recovery"
)

var xzMagic = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}

func newBackupCommand(deps commandDeps) *cobra.Command {
	var (
		outputPath string
		compress   bool
		overwrite  bool
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a copy of the committed store",
		Long: "Write a copy of the committed store. Pages stay encrypted, so the copy " +
			"opens with the same key.",
		Example: "  cipherkv backup --output ./store.bak\n" +
			"  cipherkv backup --output ./store.bak.xz --xz",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if outputPath == "" {
				return usageErrorf("backup requires --output")
			}
			if !overwrite {
				if _, err := os.Stat(outputPath); err == nil {
					return usageErrorf("backup target already exists: %s (use --overwrite)", outputPath)
				}
			}

			return withStore(cmd.Context(), deps, func(_ *app.Entrypoint, conn *db.Connection) error {
				n, err := writeAtomically(outputPath, func(w io.Writer) (int64, error) {
					if !compress {
						return conn.Backup(w)
					}

					xw, err := xz.NewWriter(w)
					if err != nil {
						return 0, fmt.Errorf("create xz writer: %w", err)
					}
					n, err := conn.Backup(xw)
					return n, errors.Join(err, xw.Close())
				})
				if err != nil {
					return err
				}

				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"output": outputPath, "bytes": n, "xz": compress})
				}
				_, err = fmt.Fprintf(deps.out, "backed up %d bytes to %s\n", n, outputPath)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&outputPath, "output", "", "Backup output path (required)")
	cmd.Flags().BoolVar(&compress, "xz", false, "Compress the backup with xz")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite the output path if it exists")
	return cmd
}

func newRestoreCommand(deps commandDeps) *cobra.Command {
	var (
		inputPath string
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replace the store with a backup",
		Long: "Replace the store with a backup made by the backup command. xz " +
			"compressed backups are detected automatically. No key is needed.",
		Example: "  cipherkv restore --from ./store.bak.xz --db ./restored.db",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if inputPath == "" {
				return usageErrorf("restore requires --from")
			}

			e, err := loadEntrypoint(cmd.Context(), deps.globals)
			if err != nil {
				return mapCommandError(err)
			}
			defer e.Close()

			target := e.Config.Store.Path
			if !overwrite {
				if _, err := os.Stat(target); err == nil {
					return usageErrorf("store already exists: %s (use --overwrite)", target)
				}
			}

			n, err := restore(inputPath, target)
			if err != nil {
				return mapCommandError(err)
			}
			e.Logger().Infow("restored store", "from", inputPath, "path", target, "bytes", n)

			if deps.globals.JSON {
				return printJSON(deps.out, map[string]any{"path": target, "bytes": n})
			}
			_, err = fmt.Fprintf(deps.out, "restored %d bytes to %s\n", n, target)
			return err
		},
	}
	cmd.Flags().StringVar(&inputPath, "from", "", "Backup input path (required)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing store")
	return cmd
}

func restore(inputPath, target string) (int64, error) {
	in, err := os.Open(inputPath)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	br := bufio.NewReader(in)
	head, err := br.Peek(len(xzMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read %s: %w", inputPath, err)
	}

	var src io.Reader = br
	if bytes.Equal(head, xzMagic) {
		xr, err := xz.NewReader(br)
		if err != nil {
			return 0, fmt.Errorf("create xz reader: %w", err)
		}
		src = xr
	}

	n, err := writeAtomically(target, func(w io.Writer) (int64, error) {
		return io.Copy(w, src)
	})
	if err != nil {
		return n, err
	}

	// a log left by the replaced store must not be replayed onto the backup
	if err := os.Remove(recovery.LogPath(target)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return n, err
	}
	return n, nil
}

// writeAtomically writes to a temporary file next to path and renames it
// into place once fill succeeds.
func writeAtomically(path string, fill func(io.Writer) (int64, error)) (n int64, err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, os.Remove(tmp.Name()))
		}
	}()

	n, err = fill(tmp)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}
	return n, os.Rename(tmp.Name(), path)
}
