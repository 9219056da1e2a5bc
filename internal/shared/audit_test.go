package shared

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// The insert must name exactly the columns migrations/0001_schema.sql
// declares for audit_logs; a drifting column list fails every write
// and the fire-and-forget call sites would never surface it.
func TestAuditInsertTargetsSchemaColumns(t *testing.T) {
	require.Contains(t, auditInsertSQL,
		"INSERT INTO audit_logs (tenant_id, actor_id, action, entity, entity_id, meta, at)")
	require.NotContains(t, auditInsertSQL, "occurred_at")
}

func TestAuditLoggerRejectsIncompleteEntries(t *testing.T) {
	ctx := context.Background()

	var nilLogger *AuditLogger
	require.Error(t, nilLogger.Record(ctx, AuditLog{Action: "a", Entity: "b", EntityID: "c"}))

	logger := NewAuditLogger(nil)
	cases := []AuditLog{
		{Entity: "stock_transaction", EntityID: "1"},
		{Action: "ledger:RECEIPT", EntityID: "1"},
		{Action: "ledger:RECEIPT", Entity: "stock_transaction"},
	}
	for _, log := range cases {
		err := logger.Record(ctx, log)
		require.Error(t, err)
		require.True(t, strings.Contains(err.Error(), "requires"))
	}
}
