package server

import (
	"encoding/json"
	"io"

	"github.com/rs/zerolog"
	"worker-tracker/config"
	"worker-tracker/service"
)

// RunCheck performs a single live check and writes the snapshot as JSON.
func RunCheck(cfg *config.Config, username string, out io.Writer) error {
	ctx := setupLogger(cfg)

	normalized, err := service.NormalizeUsername(username)
	if err != nil {
		return err
	}
	snap, err := service.NewBridgeLauncher(cfg.Tracker).Check(ctx, normalized)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("username", normalized).Msg("live check failed")
		if snap == nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
