package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestAppendAndVerify(t *testing.T) {
	l, _ := testLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, EventStartup, "generator", map[string]string{"version": "1"}))
	require.NoError(t, l.Append(ctx, EventSignalEmitted, "generator", map[string]string{"symbol": "AAPL"}))
	require.NoError(t, l.Append(ctx, EventShutdown, "generator", nil))

	checked, broken, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, checked)
	assert.Empty(t, broken)
}

func TestChainSurvivesReopen(t *testing.T) {
	l, path := testLog(t)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, EventStartup, "generator", nil))
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()
	require.NoError(t, l2.Append(ctx, EventShutdown, "generator", nil))

	checked, broken, err := l2.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, checked)
	assert.Empty(t, broken)
}

func TestRecordsAreImmutable(t *testing.T) {
	l, path := testLog(t)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, EventStartup, "generator", nil))

	db, err := sqlx.Connect("sqlite", "file:"+path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`UPDATE audit_records SET actor = 'intruder'`)
	assert.Error(t, err)
	_, err = db.Exec(`DELETE FROM audit_records`)
	assert.Error(t, err)
}

func TestVerifyDetectsTampering(t *testing.T) {
	l, path := testLog(t)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, EventStartup, "generator", nil))
	require.NoError(t, l.Append(ctx, EventShutdown, "generator", nil))

	db, err := sqlx.Connect("sqlite", "file:"+path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`DROP TRIGGER audit_no_update`)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE audit_records SET details = '{"forged":true}' WHERE seq = 1`)
	require.NoError(t, err)

	_, broken, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, broken)
}

func TestUnmarshalableDetailsStillRecorded(t *testing.T) {
	l, _ := testLog(t)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, EventConfigChange, "operator", make(chan int)))

	checked, broken, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, checked)
	assert.Empty(t, broken)
}
