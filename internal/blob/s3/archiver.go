package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

// SnapshotSource reads a consistent market snapshot. *engine.Engine
// satisfies it.
type SnapshotSource interface {
	Snapshot(ctx context.Context, marketID uint32) (domain.MarketSnapshot, error)
}

// SettlementRecord is the archived document of one settled market.
type SettlementRecord struct {
	Event    domain.MarketEvent    `json:"event"`
	Snapshot domain.MarketSnapshot `json:"snapshot"`
}

// SettlementPath is the object key of a market's settlement record.
func SettlementPath(marketID uint32) string {
	return "settlements/" + strconv.FormatUint(uint64(marketID), 10) + ".json"
}

// SettlementArchiver is a domain.EventPublisher that writes a settlement
// record to object storage whenever a market settles. Other events are
// ignored. Settlement happens once per market, so an existing record is
// never overwritten.
type SettlementArchiver struct {
	source SnapshotSource
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewSettlementArchiver creates a SettlementArchiver. audit may be nil.
func NewSettlementArchiver(source SnapshotSource, writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore, logger *slog.Logger) *SettlementArchiver {
	return &SettlementArchiver{
		source: source,
		writer: writer,
		reader: reader,
		audit:  audit,
		logger: logger.With(slog.String("component", "settlement_archiver")),
	}
}

// PublishEvent archives ev when it is a settlement.
func (a *SettlementArchiver) PublishEvent(ctx context.Context, ev domain.MarketEvent) error {
	if ev.Kind != domain.EventMarketSettled {
		return nil
	}
	path := SettlementPath(ev.MarketID)

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("s3blob: archive settlement %d: %w", ev.MarketID, err)
	}
	if exists {
		a.logger.WarnContext(ctx, "settlement already archived", slog.String("path", path))
		return nil
	}

	snap, err := a.source.Snapshot(ctx, ev.MarketID)
	if err != nil {
		return fmt.Errorf("s3blob: archive settlement %d: snapshot: %w", ev.MarketID, err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(SettlementRecord{Event: ev, Snapshot: snap}); err != nil {
		return fmt.Errorf("s3blob: archive settlement %d: encode: %w", ev.MarketID, err)
	}
	size := buf.Len()
	if err := a.writer.Put(ctx, path, &buf, "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive settlement %d: %w", ev.MarketID, err)
	}

	a.logger.InfoContext(ctx, "settlement archived",
		slog.Uint64("market_id", uint64(ev.MarketID)),
		slog.String("path", path),
		slog.Int("bytes", size),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.settlement", map[string]any{
			"market_id": ev.MarketID,
			"path":      path,
			"bytes":     size,
		}); err != nil {
			return fmt.Errorf("s3blob: archive settlement %d: audit: %w", ev.MarketID, err)
		}
	}
	return nil
}

// Load reads back the archived settlement record of marketID.
func (a *SettlementArchiver) Load(ctx context.Context, marketID uint32) (SettlementRecord, error) {
	body, err := a.reader.Get(ctx, SettlementPath(marketID))
	if err != nil {
		return SettlementRecord{}, err
	}
	defer body.Close()

	var rec SettlementRecord
	if err := json.NewDecoder(body).Decode(&rec); err != nil {
		return SettlementRecord{}, fmt.Errorf("s3blob: decode settlement %d: %w", marketID, err)
	}
	return rec, nil
}

var _ domain.EventPublisher = (*SettlementArchiver)(nil)
