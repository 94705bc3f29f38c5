// Package broadcast publishes committed transactions to Redis so processes
// other than the workspace owner can follow a workspace's log.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/VictoriaMetrics/metrics"
	"github.com/redis/go-redis/v9"

	"github.com/roach88/wsdb/internal/core"
	"github.com/roach88/wsdb/internal/hierarchy"
	"github.com/roach88/wsdb/internal/model"
	"github.com/roach88/wsdb/internal/storage"
	"github.com/roach88/wsdb/internal/workspace"
)

var (
	publishedTotal     = metrics.GetOrCreateCounter("wsdb_broadcast_published_total")
	publishErrorsTotal = metrics.GetOrCreateCounter("wsdb_broadcast_publish_errors_total")
)

// FieldKind carries the transaction kind in a published message.
const FieldKind = "kind"

// Publisher is the subset of *redis.Client the handler uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Channel returns the channel transactions of workspace id are published on.
func Channel(id string) string {
	return "wsdb:" + id + ":tx"
}

// Handler publishes each transaction it receives as canonical JSON.
type Handler struct {
	pub     Publisher
	channel string
	logger  *slog.Logger
}

// New returns a handler publishing to the channel of workspace id.
func New(pub Publisher, id string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{pub: pub, channel: Channel(id), logger: logger}
}

// Factory returns a TxHandlerFactory attaching a Handler for workspace id.
func Factory(pub Publisher, id string, logger *slog.Logger) workspace.TxHandlerFactory {
	return func(_ *hierarchy.Hierarchy, _ *storage.WorkspaceStorage, _ *model.DB) ([]workspace.TxHandler, error) {
		return []workspace.TxHandler{New(pub, id, logger)}, nil
	}
}

// Encode returns the message published for tx: the transaction viewed as a
// tx-domain document plus its kind, in canonical JSON.
func Encode(tx core.Tx) ([]byte, error) {
	doc, err := core.TxToDoc(tx)
	if err != nil {
		return nil, err
	}
	obj := doc.Canonical()
	obj[FieldKind] = core.String(tx.Kind())
	return core.MarshalCanonical(obj)
}

// Tx implements workspace.TxHandler. Publish failures are returned.
func (h *Handler) Tx(ctx context.Context, tx core.Tx) error {
	msg, err := Encode(tx)
	if err != nil {
		return fmt.Errorf("encode tx %s: %w", tx.Header().ID, err)
	}
	receivers, err := h.pub.Publish(ctx, h.channel, msg).Result()
	if err != nil {
		publishErrorsTotal.Inc()
		return fmt.Errorf("publish tx %s to %s: %w", tx.Header().ID, h.channel, err)
	}
	publishedTotal.Inc()
	h.logger.Debug("tx published", "channel", h.channel, "tx_id", tx.Header().ID, "receivers", receivers)
	return nil
}
