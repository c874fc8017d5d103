package browser_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mangavault/internal/browser"
	"mangavault/internal/browser/browsertest"
	"mangavault/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEnsureReadyLaunchesOnceForConcurrentCallers(t *testing.T) {
	l := &browsertest.Launcher{Delay: 50 * time.Millisecond}
	m := browser.NewManager(l, nil)
	assert.Equal(t, browser.Uninitialized, m.State())

	var wg sync.WaitGroup
	got := make([]browser.Browser, 10)
	for i := range got {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := m.EnsureReady(context.Background())
			assert.NoError(t, err)
			got[i] = b
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, l.Calls())
	assert.Equal(t, browser.Ready, m.State())
	for _, b := range got {
		assert.Same(t, got[0], b)
	}
}

func TestEnsureReadyRelaunchesAfterCrash(t *testing.T) {
	l := &browsertest.Launcher{}
	m := browser.NewManager(l, nil)

	first, err := m.EnsureReady(context.Background())
	require.NoError(t, err)
	l.Last().Crash()

	second, err := m.EnsureReady(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, l.Calls())
	assert.True(t, first.(*browsertest.Browser).Closed(), "stale browser should be closed")
}

func TestLaunchFailureIsRetriedOnNextCall(t *testing.T) {
	l := &browsertest.Launcher{}
	l.Fail(errors.New("chrome not found"))
	m := browser.NewManager(l, nil)

	_, err := m.EnsureReady(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSessionInit)
	assert.Contains(t, err.Error(), "chrome not found")
	assert.Equal(t, browser.Invalid, m.State())

	l.Fail(nil)
	_, err = m.EnsureReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, l.Calls())
}

func TestNewIsolatedContextRelaunchesDeadBrowser(t *testing.T) {
	l := &browsertest.Launcher{}
	m := browser.NewManager(l, nil)

	s1, err := m.NewIsolatedContext(context.Background())
	require.NoError(t, err)
	l.Last().Crash()

	s2, err := m.NewIsolatedContext(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.Equal(t, 2, l.Calls())
}

func TestTeardown(t *testing.T) {
	l := &browsertest.Launcher{}
	m := browser.NewManager(l, nil)
	_, err := m.EnsureReady(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Teardown())
	assert.Equal(t, browser.Closed, m.State())
	assert.True(t, l.Last().Closed())

	_, err = m.EnsureReady(context.Background())
	assert.ErrorIs(t, err, browser.ErrManagerClosed)
	assert.NoError(t, m.Teardown())
}

func TestEnsureReadyWaiterHonoursContext(t *testing.T) {
	l := &browsertest.Launcher{Delay: 200 * time.Millisecond}
	m := browser.NewManager(l, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.EnsureReady(context.Background())
	}()
	require.Eventually(t, func() bool { return m.State() == browser.Initializing }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.EnsureReady(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-done
}
