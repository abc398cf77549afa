package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Abdulrahman-Burham/healix-sub001/internal/apperr"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)

func reading(hr float64, ts time.Time) models.VitalsReading {
	return models.VitalsReading{HeartRate: models.Float(hr), Timestamp: ts}
}

func alertAt(id string, createdAt time.Time) models.Alert {
	return models.Alert{ID: id, Type: "vital_warning", Severity: "warning", Title: id, CreatedAt: createdAt}
}

func heartRate(t *testing.T, s *VitalsStore) float64 {
	t.Helper()
	r, ok := s.CurrentVitals()
	require.True(t, ok)
	require.NotNil(t, r.HeartRate)
	return *r.HeartRate
}

func TestApplySnapshot_RecencyBothOrders(t *testing.T) {
	r1 := reading(70, t0)
	r2 := reading(80, t0.Add(time.Minute))

	inOrder := NewVitalsStore(10, zap.NewNop())
	_, err := inOrder.ApplySnapshot(r1)
	require.NoError(t, err)
	_, err = inOrder.ApplySnapshot(r2)
	require.NoError(t, err)
	assert.Equal(t, 80.0, heartRate(t, inOrder))

	reversed := NewVitalsStore(10, zap.NewNop())
	accepted, err := reversed.ApplySnapshot(r2)
	require.NoError(t, err)
	assert.True(t, accepted)
	accepted, err = reversed.ApplySnapshot(r1)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, 80.0, heartRate(t, reversed))
}

func TestApplySnapshot_EqualTimestampRefreshes(t *testing.T) {
	s := NewVitalsStore(10, zap.NewNop())
	_, _ = s.ApplySnapshot(reading(70, t0))
	accepted, err := s.ApplySnapshot(reading(71, t0))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, 71.0, heartRate(t, s))
}

func TestApplySnapshot_MissingTimestampRejected(t *testing.T) {
	s := NewVitalsStore(10, zap.NewNop())
	_, err := s.ApplySnapshot(models.VitalsReading{HeartRate: models.Float(70)})
	assert.True(t, apperr.IsValidation(err))

	_, ok := s.CurrentVitals()
	assert.False(t, ok)
}

func TestApplySnapshot_StoredReadingIsImmutable(t *testing.T) {
	s := NewVitalsStore(10, zap.NewNop())
	r := reading(70, t0)
	_, _ = s.ApplySnapshot(r)

	*r.HeartRate = 999
	got, _ := s.CurrentVitals()
	*got.HeartRate = 555

	assert.Equal(t, 70.0, heartRate(t, s))
}

func TestFetchFailureKeepsLastReading(t *testing.T) {
	s := NewVitalsStore(10, zap.NewNop())

	f := s.Freshness()
	assert.False(t, f.HasData)
	assert.False(t, f.Stale)

	_, err := s.ApplySnapshot(reading(72, t0))
	require.NoError(t, err)

	fetchErr := apperr.Fetch("GET /vitals/current", 503, errors.New("unavailable"))
	s.MarkFetchFailed(fetchErr)

	assert.Equal(t, 72.0, heartRate(t, s))
	f = s.Freshness()
	assert.True(t, f.HasData)
	assert.True(t, f.Stale)
	assert.ErrorIs(t, f.LastError, fetchErr)

	// 新读数清除 stale
	_, _ = s.ApplySnapshot(reading(74, t0.Add(time.Second)))
	assert.False(t, s.Freshness().Stale)
	assert.NoError(t, s.Freshness().LastError)
}

func TestFetchFailureWithoutData(t *testing.T) {
	s := NewVitalsStore(10, zap.NewNop())
	s.MarkFetchFailed(errors.New("offline"))

	_, ok := s.CurrentVitals()
	assert.False(t, ok)
	f := s.Freshness()
	assert.False(t, f.HasData)
	assert.True(t, f.Stale)
}

func TestLateRESTResponseDoesNotRegressPush(t *testing.T) {
	s := NewVitalsStore(10, zap.NewNop())
	t1 := t0
	t2 := t0.Add(30 * time.Second)

	_, _ = s.ApplySnapshot(reading(130, t2)) // push
	_, _ = s.ApplySnapshot(reading(72, t1))  // 迟到的 REST 响应

	r, _ := s.CurrentVitals()
	assert.Equal(t, 130.0, *r.HeartRate)
	assert.True(t, r.Timestamp.Equal(t2))
}

func TestApplyAlert_CapacityEvictsOldest(t *testing.T) {
	const capacity = 5
	s := NewVitalsStore(capacity, zap.NewNop())

	for i := 0; i <= capacity; i++ {
		require.NoError(t, s.ApplyAlert(alertAt(fmt.Sprintf("a-%d", i), t0.Add(time.Duration(i)*time.Minute))))
	}

	alerts := s.Alerts()
	require.Len(t, alerts, capacity)
	assert.Equal(t, "a-5", alerts[0].ID)
	assert.Equal(t, "a-1", alerts[capacity-1].ID)
	for _, a := range alerts {
		assert.NotEqual(t, "a-0", a.ID)
	}
}

func TestApplyAlert_WithoutTimestampsInsertsAtHead(t *testing.T) {
	s := NewVitalsStore(3, zap.NewNop())
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.ApplyAlert(models.Alert{ID: id}))
	}

	var ids []string
	for _, a := range s.Alerts() {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"d", "c", "b"}, ids)
}

func TestApplyAlert_DuplicateUpdatesInPlace(t *testing.T) {
	s := NewVitalsStore(10, zap.NewNop())
	require.NoError(t, s.ApplyAlert(alertAt("a-1", t0)))
	require.NoError(t, s.ApplyAlert(alertAt("a-2", t0.Add(time.Minute))))
	require.True(t, s.MarkRead("a-1"))

	updated := alertAt("a-1", t0)
	updated.Severity = "critical"
	updated.Read = false
	require.NoError(t, s.ApplyAlert(updated))

	alerts := s.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, "a-2", alerts[0].ID)
	assert.Equal(t, "critical", alerts[1].Severity)
	assert.True(t, alerts[1].Read, "local read state must survive a re-delivery")
}

func TestApplyAlert_DuplicateWithoutSeverityKeepsSeverity(t *testing.T) {
	s := NewVitalsStore(10, zap.NewNop())
	first := alertAt("a-1", t0)
	first.Severity = "critical"
	require.NoError(t, s.ApplyAlert(first))

	require.NoError(t, s.ApplyAlert(models.Alert{ID: "a-1", Read: true}))

	alerts := s.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "critical", alerts[0].Severity)
	assert.Equal(t, "vital_warning", alerts[0].Type)
	assert.Equal(t, "a-1", alerts[0].Title)
	assert.True(t, alerts[0].Read)
}

func TestApplyAlert_OlderThanFullHistoryIsEvicted(t *testing.T) {
	const capacity = 3
	s := NewVitalsStore(capacity, zap.NewNop())
	for i := 1; i <= capacity; i++ {
		require.NoError(t, s.ApplyAlert(alertAt(fmt.Sprintf("a-%d", i), t0.Add(time.Duration(i)*time.Minute))))
	}

	// 创建时间早于全部已有报警：插入到尾部后立即被淘汰
	require.NoError(t, s.ApplyAlert(alertAt("late", t0)))

	var ids []string
	for _, a := range s.Alerts() {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"a-3", "a-2", "a-1"}, ids)
	assert.Equal(t, capacity, s.UnreadCount())

	// 未满时保留在尾部
	roomy := NewVitalsStore(capacity+1, zap.NewNop())
	for i := 1; i <= capacity; i++ {
		require.NoError(t, roomy.ApplyAlert(alertAt(fmt.Sprintf("a-%d", i), t0.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, roomy.ApplyAlert(alertAt("late", t0)))
	alerts := roomy.Alerts()
	require.Len(t, alerts, capacity+1)
	assert.Equal(t, "late", alerts[capacity].ID)
}

func TestApplyAlert_InvalidDropped(t *testing.T) {
	s := NewVitalsStore(10, zap.NewNop())
	err := s.ApplyAlert(models.Alert{Title: "no id"})
	assert.True(t, apperr.IsValidation(err))
	assert.Empty(t, s.Alerts())
}

func TestApplyAlerts_SnapshotTruncatedToCapacity(t *testing.T) {
	s := NewVitalsStore(3, zap.NewNop())

	// REST 返回最新在前
	batch := []models.Alert{
		alertAt("a-5", t0.Add(5*time.Minute)),
		alertAt("a-4", t0.Add(4*time.Minute)),
		{Title: "missing id"},
		alertAt("a-3", t0.Add(3*time.Minute)),
		alertAt("a-2", t0.Add(2*time.Minute)),
	}
	dropped := s.ApplyAlerts(batch)
	assert.Equal(t, 1, dropped)

	var ids []string
	for _, a := range s.Alerts() {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"a-5", "a-4", "a-3"}, ids)
}

func TestApplyAlerts_MergesWithLivePushes(t *testing.T) {
	s := NewVitalsStore(10, zap.NewNop())
	require.NoError(t, s.ApplyAlert(alertAt("live", t0.Add(10*time.Minute))))

	s.ApplyAlerts([]models.Alert{
		alertAt("live", t0.Add(10*time.Minute)),
		alertAt("old", t0),
	})

	alerts := s.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, "live", alerts[0].ID)
	assert.Equal(t, "old", alerts[1].ID)
}

func TestUnreadCount_TracksReadState(t *testing.T) {
	s := NewVitalsStore(3, zap.NewNop())
	assert.Equal(t, 0, s.UnreadCount())

	for i := 0; i < 5; i++ {
		require.NoError(t, s.ApplyAlert(alertAt(fmt.Sprintf("a-%d", i), t0.Add(time.Duration(i)*time.Minute))))
		assert.LessOrEqual(t, s.UnreadCount(), len(s.Alerts()))
	}
	assert.Equal(t, 3, s.UnreadCount())

	assert.True(t, s.MarkRead("a-4"))
	assert.True(t, s.MarkRead("a-4"))
	assert.False(t, s.MarkRead("a-0"), "evicted alert")
	assert.Equal(t, 2, s.UnreadCount())

	read := alertAt("a-5", t0.Add(time.Hour))
	read.Read = true
	require.NoError(t, s.ApplyAlert(read))
	assert.Equal(t, 1, s.UnreadCount())

	s.MarkAllRead()
	assert.Equal(t, 0, s.UnreadCount())
}

func TestClearAlertsAndReset(t *testing.T) {
	s := NewVitalsStore(10, zap.NewNop())
	_, _ = s.ApplySnapshot(reading(70, t0))
	require.NoError(t, s.ApplyAlert(alertAt("a-1", t0)))

	s.ClearAlerts()
	assert.Empty(t, s.Alerts())
	_, ok := s.CurrentVitals()
	assert.True(t, ok)

	s.MarkFetchFailed(errors.New("x"))
	s.Reset()
	_, ok = s.CurrentVitals()
	assert.False(t, ok)
	assert.Equal(t, Freshness{}, s.Freshness())
}

func TestSubscribe_NotifiesAfterUnlock(t *testing.T) {
	s := NewVitalsStore(10, zap.NewNop())

	var changes []Change
	unsubscribe := s.Subscribe(func(c Change) {
		// 回调中读取存储不会死锁
		_ = s.UnreadCount()
		changes = append(changes, c)
	})

	_, _ = s.ApplySnapshot(reading(70, t0))
	_, _ = s.ApplySnapshot(reading(60, t0.Add(-time.Minute))) // 被拒绝，不通知
	require.NoError(t, s.ApplyAlert(alertAt("a-1", t0)))
	s.MarkFetchFailed(errors.New("x"))
	s.Reset()

	unsubscribe()
	s.ClearAlerts()

	assert.Equal(t, []Change{ChangeVitals, ChangeAlerts, ChangeFreshness, ChangeReset}, changes)
}

func TestVitalsStore_ConcurrentProducers(t *testing.T) {
	s := NewVitalsStore(20, zap.NewNop())
	latest := t0.Add(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = s.ApplySnapshot(reading(float64(60+i), t0.Add(time.Duration(i)*time.Second)))
		}(i)
		go func(i int) {
			defer wg.Done()
			_ = s.ApplyAlert(alertAt(fmt.Sprintf("a-%d", i%30), t0.Add(time.Duration(i)*time.Second)))
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.ApplySnapshot(reading(130, latest))
	}()
	wg.Wait()

	assert.Equal(t, 130.0, heartRate(t, s))
	assert.LessOrEqual(t, len(s.Alerts()), 20)
	assert.LessOrEqual(t, s.UnreadCount(), len(s.Alerts()))
}
