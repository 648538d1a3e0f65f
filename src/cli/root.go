package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/CipherKV/src/app"
	"github.com/Blackdeer1524/CipherKV/src/db"
	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
)

type globalFlags struct {
	ConfigPath string
	EnvFile    string
	StorePath  string
	KeyFile    string
	JSON       bool
}

type commandDeps struct {
	out     io.Writer
	globals *globalFlags
}

func NewRootCommand(out io.Writer) *cobra.Command {
	globals := &globalFlags{}
	deps := commandDeps{out: out, globals: globals}

	cmd := &cobra.Command{
		Use:           "cipherkv",
		Short:         "Encrypted transactional page store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)

	flags := cmd.PersistentFlags()
	flags.StringVar(&globals.ConfigPath, "config", "", "TOML config file (default ./"+app.DefaultConfigFile+" if present)")
	flags.StringVar(&globals.EnvFile, "env-file", "", "dotenv file (default ./"+app.DefaultEnvFile+")")
	flags.StringVar(&globals.StorePath, "db", "", "Store path, overrides the config")
	flags.StringVar(&globals.KeyFile, "key-file", "", "File holding the store key, overrides "+app.EnvPrefix+"_KEY")
	flags.BoolVar(&globals.JSON, "json", false, "Print results as JSON")

	cmd.AddCommand(
		newInitCommand(deps),
		newInfoCommand(deps),
		newAllocCommand(deps),
		newFreeCommand(deps),
		newGetCommand(deps),
		newPutCommand(deps),
		newCheckCommand(deps),
		newRekeyCommand(deps),
		newBackupCommand(deps),
		newRestoreCommand(deps),
	)
	return cmd
}

// loadEntrypoint reads the configuration and applies the global flags.
func loadEntrypoint(ctx context.Context, g *globalFlags) (*app.Entrypoint, error) {
	e := &app.Entrypoint{Load: app.LoadOptions{ConfigPath: g.ConfigPath, EnvFile: g.EnvFile}}
	if err := e.Init(ctx); err != nil {
		return nil, err
	}
	if g.StorePath != "" {
		e.Config.Store.Path = g.StorePath
	}
	if g.KeyFile != "" {
		e.Config.KeyFile = g.KeyFile
	}
	return e, nil
}

func withStore(ctx context.Context, deps commandDeps, fn func(*app.Entrypoint, *db.Connection) error) error {
	return withStoreChecked(ctx, deps, nil, fn)
}

// withStoreChecked runs precheck against the loaded configuration before
// the store is opened.
func withStoreChecked(
	ctx context.Context,
	deps commandDeps,
	precheck func(*app.Entrypoint) error,
	fn func(*app.Entrypoint, *db.Connection) error,
) (err error) {
	e, err := loadEntrypoint(ctx, deps.globals)
	if err != nil {
		return mapCommandError(err)
	}
	defer func() {
		if closeErr := e.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		err = mapCommandError(err)
	}()

	if precheck != nil {
		if err := precheck(e); err != nil {
			return err
		}
	}

	key, err := e.Config.ReadKey()
	if err != nil {
		return err
	}
	conn, err := e.Open(ctx, key)
	if err != nil {
		return err
	}
	return fn(e, conn)
}

func parsePageID(s string) (common.PageID, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return common.NilPageID, usageErrorf("invalid page id %q", s)
	}
	return common.PageID(v), nil
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
