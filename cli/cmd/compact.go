package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/crystalford/flyback/archive"
	"github.com/crystalford/flyback/config"
	"github.com/crystalford/flyback/delivery"
	"github.com/crystalford/flyback/eventlog"
	"github.com/crystalford/flyback/log"
	"github.com/crystalford/flyback/projection"
)

// CompactCommand returns the compact command. Compaction trims the
// event log up to the projection snapshot bound, and never past the
// delivery cursor when a webhook is configured; events past the bound
// are never removed, so a replay can rebuild live state and the pump
// can still deliver every final.
func CompactCommand() *cli.Command {
	return &cli.Command{
		Name:  "compact",
		Usage: "Trim the event log up to the snapshot bound",
		Flags: append(configFlags(),
			&cli.Int64Flag{
				Name:  "up-to",
				Usage: "Compact through this sequence number (0 uses the snapshot bound)",
			},
			&cli.BoolFlag{
				Name:  "no-archive",
				Usage: "Skip uploading the removed segment even when an archive bucket is configured",
			},
		),
		Action: compactAction,
	}
}

func compactAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := log.NewLogger(log.Context{Role: cfg.Role, DataDir: cfg.DataDir})

	upTo, err := compactBound(cfg.DataDir, cfg.Webhook.URL != "", c.Int64("up-to"))
	if err != nil {
		return err
	}
	if upTo == 0 {
		fmt.Println("no compactable bound yet; nothing to compact")
		return nil
	}

	eventLog, err := eventlog.Open(cfg.DataDir, eventlog.Options{
		RepairTruncate: cfg.RepairTruncate,
		LockTimeout:    cfg.Lock.Timeout.Duration,
		LockRetry:      cfg.Lock.Retry.Duration,
	}, logger, nil)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}

	segment, removed, err := eventLog.Compact(upTo)
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	if removed == 0 {
		fmt.Printf("nothing to compact below seq %d\n", upTo)
		return nil
	}

	archived := ""
	if cfg.Archive.Bucket != "" && !c.Bool("no-archive") {
		ctx := context.Background()
		uploader, err := archive.New(ctx, archiveConfig(cfg), logger)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		archived, err = uploader.UploadSegment(ctx, segment, upTo, time.Now())
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}

	fmt.Printf("compacted %d events up to seq %d\n", removed, upTo)
	if archived != "" {
		fmt.Printf("archived segment to s3://%s/%s\n", cfg.Archive.Bucket, archived)
	}
	return nil
}

// compactBound resolves the highest sequence that may be removed: the
// requested bound clamped to the snapshot seq and, when deliveries are
// enabled, to the delivery cursor. An undelivered final below the
// snapshot bound must survive compaction.
func compactBound(dataDir string, webhookConfigured bool, requested int64) (int64, error) {
	bound, err := projection.SnapshotSeq(dataDir)
	if err != nil {
		return 0, fmt.Errorf("read snapshot bound: %w", err)
	}
	if webhookConfigured {
		delivered, err := delivery.CursorSeq(dataDir)
		if err != nil {
			return 0, fmt.Errorf("read delivery cursor: %w", err)
		}
		if delivered < bound {
			bound = delivered
		}
	}
	if requested == 0 || requested > bound {
		return bound, nil
	}
	return requested, nil
}

func archiveConfig(cfg *config.Config) archive.Config {
	return archive.Config{
		Bucket:       cfg.Archive.Bucket,
		Prefix:       cfg.Archive.Prefix,
		Region:       cfg.Archive.Region,
		Endpoint:     cfg.Archive.Endpoint,
		UsePathStyle: cfg.Archive.S3PathStyle,
	}
}
