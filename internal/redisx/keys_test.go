package redisx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "txn_status:ws_CO_0001", statusKey("ws_CO_0001"))
	assert.Equal(t, "dedup:callback:ws_CO_0001", dedupKey("ws_CO_0001"))
	assert.Greater(t, TTLDedup, TTLStatusCache)
}

func TestNew(t *testing.T) {
	rdb, err := New("localhost:6379")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", rdb.Options().Addr)
	_ = rdb.Close()

	rdb, err = New("redis://:pw@cache.internal:6380/2")
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", rdb.Options().Addr)
	assert.Equal(t, 2, rdb.Options().DB)
	assert.Equal(t, "pw", rdb.Options().Password)
	_ = rdb.Close()

	_, err = New("redis://host:6379/notadb")
	assert.Error(t, err)
}
