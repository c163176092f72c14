package checkpoint

import (
	"context"
	"log"

	"github.com/jackc/pgx/v5"
)

// queryTracer logs every ledger query, the same shape as the storage
// layer's own pgx.QueryTracer.
type queryTracer struct{}

func (queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	log.Printf("checkpoint: query: %s args=%v", data.SQL, data.Args)
	return ctx
}

func (queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err != nil {
		log.Printf("checkpoint: query failed: %v", data.Err)
		return
	}
	log.Printf("checkpoint: query ok: %v", data.CommandTag)
}
