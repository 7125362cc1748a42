package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opencivic/spendmatch/internal/model"
	"github.com/opencivic/spendmatch/internal/store"
)

var (
	importDryRun    bool
	importFromStage string
	importToStage   string
	importStagePlan string
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a spend file and run the full pipeline",
	Long:  "Registers the file as an asset, creates a run, and executes the stage plan. An identical file (same checksum) reuses the existing asset.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, importStagePlan)
		if err != nil {
			return err
		}
		defer env.Close()

		asset, err := registerLocalAsset(ctx, env.Store, args[0])
		if err != nil {
			return err
		}

		run, err := env.Executor.CreateRun(ctx, asset.ID, importDryRun, importFromStage, importToStage)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "run %s created for asset %s\n", run.ID, asset.ID)

		if err := env.Executor.Execute(ctx, run.ID); err != nil {
			return eris.Wrap(err, "import run")
		}

		final, err := env.Store.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		stages, err := env.Store.ListStageResults(ctx, run.ID)
		if err != nil {
			return err
		}
		formatRunDetail(os.Stdout, final, stages)
		return nil
	},
}

// registerLocalAsset copies a file into the local asset directory (if it is
// not already there) and records it, deduplicating on checksum.
func registerLocalAsset(ctx context.Context, st store.Store, path string) (*model.Asset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return nil, eris.Wrap(err, "checksum file")
	}
	checksum := hex.EncodeToString(h.Sum(nil))

	if existing, err := st.FindAssetByChecksum(ctx, checksum); err != nil {
		return nil, err
	} else if existing != nil {
		zap.L().Info("identical file already registered, reusing asset",
			zap.String("asset_id", existing.ID))
		return existing, nil
	}

	name := filepath.Base(path)
	dest := filepath.Join(cfg.Objects.LocalDir, name)
	if abs, _ := filepath.Abs(path); abs != mustAbs(dest) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, eris.Wrap(err, "rewind file")
		}
		out, err := os.Create(dest)
		if err != nil {
			return nil, eris.Wrapf(err, "copy to asset dir %s", dest)
		}
		if _, err := io.Copy(out, f); err != nil {
			_ = out.Close()
			return nil, eris.Wrap(err, "copy file")
		}
		if err := out.Close(); err != nil {
			return nil, eris.Wrap(err, "close copy")
		}
	}

	asset := &model.Asset{
		StorageKey:   name,
		OriginalName: name,
		ContentType:  mime.TypeByExtension(filepath.Ext(name)),
		SizeBytes:    size,
		Checksum:     checksum,
	}
	if err := st.CreateAsset(ctx, asset); err != nil {
		return nil, err
	}
	return asset, nil
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

func init() {
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "parse and resolve without writing")
	importCmd.Flags().StringVar(&importFromStage, "from-stage", "", "first stage to execute")
	importCmd.Flags().StringVar(&importToStage, "to-stage", "", "last stage to execute")
	importCmd.Flags().StringVar(&importStagePlan, "stage-plan", "", "YAML stage plan override")
	rootCmd.AddCommand(importCmd)
}
