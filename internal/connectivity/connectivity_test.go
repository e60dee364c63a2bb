package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual_transitions(t *testing.T) {
	m := NewManual(false)
	assert.False(t, m.Online())

	var got []bool
	unsubscribe := m.Subscribe(func(online bool) { got = append(got, online) })

	m.Set(true)
	m.Set(true) // no transition
	m.Set(false)
	assert.Equal(t, []bool{true, false}, got)

	unsubscribe()
	unsubscribe()
	m.Set(true)
	assert.Len(t, got, 2, "unsubscribed callbacks are not called")
	assert.True(t, m.Online())
}

func TestManual_subscriberMaySubscribe(t *testing.T) {
	m := NewManual(false)
	m.Subscribe(func(bool) {
		// re-entrant call must not deadlock
		m.Subscribe(func(bool) {})
		_ = m.Online()
	})
	m.Set(true)
}

func TestProber_Probe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewProber(srv.URL, time.Hour, srv.Client())
	assert.False(t, p.Online())

	var transitions atomic.Int32
	p.Subscribe(func(bool) { transitions.Add(1) })

	assert.True(t, p.Probe(context.Background()))
	assert.True(t, p.Online())

	status.Store(http.StatusNotFound)
	assert.True(t, p.Probe(context.Background()), "a 4xx still means the API answered")

	status.Store(http.StatusServiceUnavailable)
	assert.False(t, p.Probe(context.Background()))
	assert.Equal(t, int32(2), transitions.Load())
}

func TestProber_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewProber(url, time.Hour, nil)
	assert.False(t, p.Probe(context.Background()))
}

func TestProber_StartStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	p := NewProber(srv.URL, 10*time.Millisecond, srv.Client())
	online := make(chan struct{}, 1)
	p.Subscribe(func(v bool) {
		if v {
			online <- struct{}{}
		}
	})

	p.Start(context.Background())
	p.Start(context.Background()) // second start is a no-op

	select {
	case <-online:
	case <-time.After(2 * time.Second):
		t.Fatal("prober never reported online")
	}

	p.Stop()
	p.Stop()
	require.True(t, p.Online())
}
