package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "agentsched/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	st, err = Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "bogus"}, logx.Nop())
	assert.Error(t, err)
}

func TestFileStoreAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, st.AppendRecord(ctx, Record{
			At:         time.Now(),
			TaskID:     fmt.Sprintf("t%d", i),
			Role:       "scrape",
			Worker:     "w1",
			Status:     "COMPLETED",
			DurationMS: int64(i * 10),
		}))
	}

	recs, err := st.RecentRecords(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "t2", recs[0].TaskID)
	assert.Equal(t, "t4", recs[2].TaskID)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.AppendRecord(ctx, Record{TaskID: "t1", Role: "scrape", Status: "FAILED", Error: "boom"}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	recs, err := st.RecentRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "t1", recs[0].TaskID)
	assert.Equal(t, "boom", recs[0].Error)
}

func TestFileStoreCompacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	st, err := Open(Config{Driver: "file", Path: path, KeepRecords: 10}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		require.NoError(t, st.AppendRecord(ctx, Record{TaskID: fmt.Sprintf("t%d", i), Role: "scrape", Status: "COMPLETED"}))
	}

	recs, err := st.RecentRecords(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, recs, 10)
	assert.Equal(t, "t999", recs[9].TaskID)
}
