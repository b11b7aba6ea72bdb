package app

import (
	"context"

	"github.com/NodePath81/rmbt/internal/config"
	"github.com/NodePath81/rmbt/internal/testserver"
	"github.com/NodePath81/rmbt/internal/util"
)

// Serve runs the development server until ctx is done.
func Serve(ctx context.Context, cfg config.Config, logger util.Logger) error {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	srv := testserver.New(testserver.Config{
		Greeting:    cfg.Server.Greeting,
		Token:       cfg.Serve.Token,
		ChunkSize:   cfg.Serve.ChunkSizeBytes,
		ChunkRate:   cfg.Serve.ChunkRate(),
		UploadLimit: int64(cfg.Serve.UploadLimitBits / 8),
		Logger:      logger,
	})
	addr := util.NetJoin(cfg.Serve.BindAddr, cfg.Serve.BindPort)
	if err := srv.Listen(addr); err != nil {
		return err
	}
	if rate := cfg.Serve.UploadLimitBits; rate > 0 {
		logger.Info("upload rate limited", "limit", util.FormatBitsPerSecond(float64(rate)))
	}
	if rate := cfg.Serve.RateLimitBits; rate > 0 {
		logger.Info("download rate limited", "limit", util.FormatBitsPerSecond(float64(rate)),
			"chunk_size", util.FormatBytes(float64(cfg.Serve.ChunkSizeBytes)))
	}
	return srv.Serve(ctx)
}
