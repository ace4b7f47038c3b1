// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T) *DB {
	t.Helper()
	db, err := Open(InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{}, nil)
	assert.Error(t, err)
}

func TestPutGetDelete(t *testing.T) {
	db := openMem(t)
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, []byte("op/1"), []byte("one"), 0))
	got, err := db.Get(ctx, []byte("op/1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	require.NoError(t, db.Delete(ctx, []byte("op/1")))
	_, err = db.Get(ctx, []byte("op/1"))
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, db.Delete(ctx, []byte("op/absent")))
	assert.True(t, db.InMemory())
	assert.Empty(t, db.Path())
}

func TestScan_PrefixOrder(t *testing.T) {
	db := openMem(t)
	ctx := context.Background()

	for _, k := range []string{"op/b", "op/a", "other/x", "op/c"} {
		require.NoError(t, db.Put(ctx, []byte(k), []byte(k), 0))
	}

	var keys []string
	require.NoError(t, db.Scan(ctx, []byte("op/"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	assert.Equal(t, []string{"op/a", "op/b", "op/c"}, keys)

	stop := errors.New("stop")
	n := 0
	err := db.Scan(ctx, []byte("op/"), func(_, _ []byte) error {
		n++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
}

func TestCancelledContext(t *testing.T) {
	db := openMem(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, db.Put(ctx, []byte("k"), []byte("v"), 0), context.Canceled)
	_, err := db.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOnDisk_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(DefaultConfig(dir), nil)
	require.NoError(t, err)
	require.NoError(t, db.Put(ctx, []byte("op/1"), []byte("kept"), time.Hour))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "close is idempotent")

	db, err = Open(Config{Path: dir}, nil)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Get(ctx, []byte("op/1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got)
	assert.Equal(t, dir, db.Path())
}

func TestGCLoop_StopsOnClose(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	cfg := DefaultConfig(t.TempDir())
	cfg.GCInterval = time.Minute

	db, err := Open(cfg, clk)
	require.NoError(t, err)

	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1), "loop re-arms after a GC pass")
	assert.NoError(t, db.Close())
}
