package chrono

import (
	"lrs-analytics/internal/components/telemetry"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"
)

func TestStandardImplZone(t *testing.T) {
	utc, err := NewStandardImpl("")
	require.NoError(t, err)
	require.Equal(t, time.UTC, utc.Location())

	lisbon, err := NewStandardImpl("Europe/Lisbon")
	require.NoError(t, err)
	require.Equal(t, "Europe/Lisbon", lisbon.Location().String())
	require.Equal(t, "Europe/Lisbon", lisbon.Now().Location().String())

	_, err = NewStandardImpl("Not/AZone")
	require.Error(t, err)
}

func TestExclusiveSkipsOverlappingCalls(t *testing.T) {
	tel := &telemetry.RecorderAPI{}
	started := make(chan struct{})
	release := make(chan struct{})

	var calls, concurrent, peak int32
	job := Exclusive(func() {
		n := atomic.AddInt32(&concurrent, 1)
		defer atomic.AddInt32(&concurrent, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
		}
	}, tel)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		job()
	}()
	<-started

	// a scheduled tick and a direct call while the first run is in progress
	job()
	job()
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Len(t, tel.Find("warning", report_cron_skipped), 2)

	close(release)
	wg.Wait()

	job()
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
	require.Equal(t, int32(1), atomic.LoadInt32(&peak))
}
