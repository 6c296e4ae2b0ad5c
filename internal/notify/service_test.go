package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/toolgate/internal/notify"
	"github.com/agentoven/toolgate/pkg/models"
	"github.com/stretchr/testify/require"
)

func TestNotify_DisabledIsNoop(t *testing.T) {
	svc := notify.NewService(notify.Options{})
	require.False(t, svc.Enabled())
	svc.Notify(notify.Event{Type: notify.EventProviderHealth})
	require.NoError(t, svc.Wait(context.Background()))
}

func TestNotify_SignedDelivery(t *testing.T) {
	secret := "s3cret"
	var got notify.Event
	var sigOK atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sigOK.Store(r.Header.Get("X-Toolgate-Signature") == "sha256="+notify.Sign([]byte(secret), body))
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	svc := notify.NewService(notify.Options{URLs: []string{srv.URL}, Secret: secret})
	svc.Notify(notify.HealthEvent(models.HealthEvent{
		Provider: "gemini", Old: models.HealthHealthy, New: models.HealthDown, At: time.Now(),
	}))
	require.NoError(t, svc.Wait(context.Background()))

	require.True(t, sigOK.Load(), "signature mismatch")
	require.Equal(t, notify.EventProviderHealth, got.Type)
	require.Equal(t, "gemini", got.Subject)
	require.Equal(t, "down", got.To)
}

func TestNotify_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := notify.NewService(notify.Options{URLs: []string{srv.URL}, MaxElapsed: 10 * time.Second})
	svc.Notify(notify.CircuitEvent(models.CircuitClosed, models.CircuitOpen, models.BreakerSnapshot{State: models.CircuitOpen}))
	require.NoError(t, svc.Wait(context.Background()))
	require.Equal(t, int32(3), calls.Load())
}

func TestNotify_ClientErrorsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	svc := notify.NewService(notify.Options{URLs: []string{srv.URL}})
	svc.Notify(notify.Event{Type: notify.EventCircuitChange})
	require.NoError(t, svc.Wait(context.Background()))
	require.Equal(t, int32(1), calls.Load())
}
