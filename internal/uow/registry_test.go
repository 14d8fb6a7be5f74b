package uow

import (
	"context"
	"errors"
	"testing"

	"infinite-experiment/warden/internal/metrics"
	gormModels "infinite-experiment/warden/internal/models/gorm"
	"infinite-experiment/warden/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestRegistry(t *testing.T) (*Registry, *gorm.DB, *metrics.MetricsRegistry) {
	t.Helper()
	db := testutil.OpenTestDB(t)
	m := metrics.NewMetricsRegistryWith(prometheus.NewRegistry())
	return NewRegistry(db, m), db, m
}

func countGuilds(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&gormModels.MuteGuild{}).Count(&n).Error)
	return n
}

func TestFinalize_UntouchedDoesNoIO(t *testing.T) {
	reg, _, m := newTestRegistry(t)

	d := reg.Begin(context.Background(), "ping")
	d.Allow()

	require.NoError(t, d.Finalize(true))
	require.NoError(t, d.Finalize(false))

	assert.False(t, d.Touched())
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0.0, promtest.ToFloat64(m.SessionsOpenedTotal))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.SessionsCommitted))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.SessionsRolledBack))
}

func TestSession_RequiresAllow(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	d := reg.Begin(context.Background(), "mute")
	_, err := d.Session()
	assert.ErrorIs(t, err, ErrIllegalSessionUse)
	assert.Equal(t, 0, reg.Len())
}

func TestSession_ReusedWithinDispatch(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	d := reg.Begin(context.Background(), "mute")
	d.Allow()

	first, err := d.Session()
	require.NoError(t, err)
	second, err := d.Session()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, d.Finalize(true))
	assert.Equal(t, 0, reg.Len())
}

func TestSession_NotReusableAfterFinalize(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	d := reg.Begin(context.Background(), "mute")
	d.Allow()
	_, err := d.Session()
	require.NoError(t, err)
	require.NoError(t, d.Finalize(true))

	_, err = d.Session()
	assert.ErrorIs(t, err, ErrIllegalSessionUse)

	// Allow after finalize must not reopen the window
	d.Allow()
	_, err = d.Session()
	assert.ErrorIs(t, err, ErrIllegalSessionUse)
}

func TestRun_CommitsOnSuccess(t *testing.T) {
	reg, db, m := newTestRegistry(t)

	err := reg.Run(context.Background(), "setrole", func(d *Dispatch) error {
		tx, err := d.Session()
		if err != nil {
			return err
		}
		return tx.Create(&gormModels.MuteGuild{GuildID: "g1", RoleID: "r1"}).Error
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), countGuilds(t, db))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.SessionsCommitted))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.SessionsRolledBack))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.SessionsOpen))
	assert.Equal(t, 0, reg.Len())
}

func TestRun_RollsBackOnError(t *testing.T) {
	reg, db, m := newTestRegistry(t)
	boom := errors.New("boom")

	err := reg.Run(context.Background(), "setrole", func(d *Dispatch) error {
		tx, err := d.Session()
		if err != nil {
			return err
		}
		if err := tx.Create(&gormModels.MuteGuild{GuildID: "g1", RoleID: "r1"}).Error; err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, int64(0), countGuilds(t, db))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.SessionsCommitted))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.SessionsRolledBack))
	assert.Equal(t, 0, reg.Len())
}

func TestRun_RollsBackAndRepanics(t *testing.T) {
	reg, db, m := newTestRegistry(t)

	assert.PanicsWithValue(t, "handler exploded", func() {
		_ = reg.Run(context.Background(), "setrole", func(d *Dispatch) error {
			tx, err := d.Session()
			if err != nil {
				return err
			}
			tx.Create(&gormModels.MuteGuild{GuildID: "g1", RoleID: "r1"})
			panic("handler exploded")
		})
	})

	assert.Equal(t, int64(0), countGuilds(t, db))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.SessionsRolledBack))
	assert.Equal(t, 0, reg.Len())
}

func TestOnFinalize_RunsAfterCommit(t *testing.T) {
	reg, db, _ := newTestRegistry(t)

	var seen int64 = -1
	err := reg.Run(context.Background(), "setrole", func(d *Dispatch) error {
		d.OnFinalize(func() {
			// The session has released its connection by now
			seen = countGuilds(t, db)
		})
		tx, err := d.Session()
		if err != nil {
			return err
		}
		return tx.Create(&gormModels.MuteGuild{GuildID: "g1", RoleID: "r1"}).Error
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seen)
}

func TestOnFinalize_RunsForUntouchedAndLateRegistrations(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	d := reg.Begin(context.Background(), "ping")
	d.Allow()

	calls := 0
	d.OnFinalize(func() { calls++ })
	require.NoError(t, d.Finalize(true))
	assert.Equal(t, 1, calls)

	d.OnFinalize(func() { calls++ })
	assert.Equal(t, 2, calls)

	require.NoError(t, d.Finalize(true))
	assert.Equal(t, 2, calls)
}

func TestScope_CommitAndRollback(t *testing.T) {
	reg, db, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Scope(ctx, func(tx *gorm.DB) error {
		return tx.Create(&gormModels.MuteGuild{GuildID: "g1", RoleID: "r1"}).Error
	}))

	err := reg.Scope(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&gormModels.MuteGuild{GuildID: "g2", RoleID: "r2"}).Error; err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	assert.Equal(t, int64(1), countGuilds(t, db))
	assert.Equal(t, 0, reg.Len())
}

func TestBegin_IDsIncrease(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	a := reg.Begin(ctx, "a")
	b := reg.Begin(ctx, "b")
	assert.Less(t, a.ID(), b.ID())
	assert.Equal(t, "b", b.Name())
}
