package redisx

import (
	"fmt"
	"time"
)

const (
	// txn_status:{correlation_id} -> transaction status
	KeyTxnStatus = "txn_status:%s"

	// dedup:callback:{correlation_id} -> "1" once a callback was applied
	KeyCallbackDedup = "dedup:callback:%s"
)

var (
	TTLStatusCache = 10 * time.Minute
	TTLDedup       = 48 * time.Hour
)

func statusKey(correlationID string) string {
	return fmt.Sprintf(KeyTxnStatus, correlationID)
}

func dedupKey(correlationID string) string {
	return fmt.Sprintf(KeyCallbackDedup, correlationID)
}
