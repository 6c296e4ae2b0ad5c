package transport_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/toolgate/internal/store"
	"github.com/agentoven/toolgate/internal/transport"
	"github.com/agentoven/toolgate/pkg/models"
	"github.com/stretchr/testify/require"
)

// flakyStore wraps a MemoryStore and can fail writes or corrupt reads.
type flakyStore struct {
	*store.MemoryStore
	failPuts     atomic.Bool
	corruptReads atomic.Int32 // number of upcoming Gets to corrupt
	gets         atomic.Int32
}

func (f *flakyStore) Put(ctx context.Context, data []byte, ttl time.Duration) (string, error) {
	if f.failPuts.Load() {
		return "", errors.New("connection refused")
	}
	return f.MemoryStore.Put(ctx, data, ttl)
}

func (f *flakyStore) Get(ctx context.Context, id string) ([]byte, error) {
	f.gets.Add(1)
	data, err := f.MemoryStore.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.corruptReads.Load() > 0 {
		f.corruptReads.Add(-1)
		data[len(data)-1] ^= 0xff
	}
	return data, nil
}

func newTestTransport(t *testing.T, compression models.CompressionType) (*transport.Transport, *flakyStore, *fakeClock) {
	t.Helper()
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	clock := newFakeClock()
	b := transport.NewBreaker(transport.BreakerConfig{Threshold: 2, RecoveryTimeout: 30 * time.Second}, clock.Now)
	tr := transport.New(fs, b, transport.Options{
		OffloadThreshold: 64,
		PrimaryLimit:     256,
		RecordTTL:        time.Hour,
		Compression:      compression,
		RereadDelay:      time.Millisecond,
		Now:              clock.Now,
	})
	return tr, fs, clock
}

func payload(n int) []byte {
	return bytes.Repeat([]byte("toolgate "), n/9+1)[:n]
}

// ─── Offload Decision ────────────────────────────────────────

func TestShouldOffload(t *testing.T) {
	tr, _, _ := newTestTransport(t, models.CompressionNone)
	tests := []struct {
		size int
		want bool
	}{
		{0, false},
		{64, false},
		{65, true},
		{1 << 20, true},
	}
	for _, tt := range tests {
		if got := tr.ShouldOffload(tt.size); got != tt.want {
			t.Errorf("ShouldOffload(%d) = %v, want %v", tt.size, got, tt.want)
		}
	}
}

// ─── Round Trip ──────────────────────────────────────────────

func TestWriteRead_RoundTrip(t *testing.T) {
	for _, c := range []models.CompressionType{models.CompressionNone, models.CompressionGzip} {
		t.Run(string(c), func(t *testing.T) {
			tr, _, _ := newTestTransport(t, c)
			ctx := context.Background()
			data := payload(4096)

			rec, err := tr.Write(ctx, transport.WriteRequest{SessionID: "s", ToolName: "chat", Payload: data})
			require.NoError(t, err)
			require.Equal(t, models.TransportPending, rec.Status)
			require.Equal(t, len(data), rec.PayloadSize)
			require.NotEmpty(t, rec.TransactionID)
			require.Equal(t, c, rec.CompressionType)
			if c == models.CompressionGzip {
				require.Less(t, rec.CompressedSize, rec.PayloadSize)
			}

			got, err := tr.Read(ctx, rec.ID)
			require.NoError(t, err)
			require.Equal(t, data, got)

			after, err := tr.Record(rec.ID)
			require.NoError(t, err)
			require.Equal(t, models.TransportComplete, after.Status)
			require.Equal(t, rec.Checksum, after.Checksum)
		})
	}
}

func TestWrite_GzipSkippedWhenItDoesNotShrink(t *testing.T) {
	tr, _, _ := newTestTransport(t, models.CompressionGzip)
	rec, err := tr.Write(context.Background(), transport.WriteRequest{Payload: []byte{0x01}})
	require.NoError(t, err)
	require.Equal(t, models.CompressionNone, rec.CompressionType)
	require.Equal(t, rec.PayloadSize, rec.CompressedSize)
}

// ─── Integrity ───────────────────────────────────────────────

func TestRead_CorruptionIsIntegrityError(t *testing.T) {
	for _, c := range []models.CompressionType{models.CompressionNone, models.CompressionGzip} {
		t.Run(string(c), func(t *testing.T) {
			tr, fs, _ := newTestTransport(t, c)
			ctx := context.Background()

			rec, err := tr.Write(ctx, transport.WriteRequest{Payload: payload(1024)})
			require.NoError(t, err)
			require.True(t, fs.Replace(rec.StoreRef, []byte("definitely not the payload")))

			got, err := tr.Read(ctx, rec.ID)
			require.ErrorIs(t, err, models.ErrTransportIntegrity)
			require.Nil(t, got)
			require.Equal(t, int32(2), fs.gets.Load(), "want exactly one re-read")

			after, _ := tr.Record(rec.ID)
			require.Equal(t, models.TransportError, after.Status)
			require.NotEmpty(t, after.LastError)
		})
	}
}

func TestRead_TransientCorruptionRecoveredByReread(t *testing.T) {
	tr, fs, _ := newTestTransport(t, models.CompressionNone)
	ctx := context.Background()
	data := payload(512)

	rec, err := tr.Write(ctx, transport.WriteRequest{Payload: data})
	require.NoError(t, err)

	fs.corruptReads.Store(1)
	got, err := tr.Read(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, int32(2), fs.gets.Load())
}

func TestRead_NotFound(t *testing.T) {
	tr, _, _ := newTestTransport(t, models.CompressionNone)
	_, err := tr.Read(context.Background(), "missing")
	require.True(t, models.IsNotFound(err))
}

// ─── Send / Receive ──────────────────────────────────────────

func TestSend_SmallPayloadInline(t *testing.T) {
	tr, fs, _ := newTestTransport(t, models.CompressionNone)
	ctx := context.Background()

	env, err := tr.Send(ctx, transport.WriteRequest{Payload: []byte("tiny")})
	require.NoError(t, err)
	require.False(t, env.Offloaded())
	require.Zero(t, fs.Len())

	got, err := tr.Receive(ctx, env)
	require.NoError(t, err)
	require.Equal(t, "tiny", string(got))
}

func TestSend_LargePayloadOffloaded(t *testing.T) {
	tr, fs, _ := newTestTransport(t, models.CompressionGzip)
	ctx := context.Background()
	data := payload(200)

	env, err := tr.Send(ctx, transport.WriteRequest{ToolName: "analyze", Payload: data})
	require.NoError(t, err)
	require.True(t, env.Offloaded())
	require.Empty(t, env.Inline)
	require.Equal(t, 1, fs.Len())

	got, err := tr.Receive(ctx, env)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestSend_FallsBackInlineWhenStoreFails(t *testing.T) {
	tr, fs, _ := newTestTransport(t, models.CompressionNone)
	ctx := context.Background()
	fs.failPuts.Store(true)

	// Fits the primary channel, so it goes inline.
	env, err := tr.Send(ctx, transport.WriteRequest{Payload: payload(200)})
	require.NoError(t, err)
	require.False(t, env.Offloaded())

	// The second failure opens the breaker.
	_, _ = tr.Send(ctx, transport.WriteRequest{Payload: payload(200)})
	require.Equal(t, models.CircuitOpen, tr.Breaker().State())

	// Open circuit: inline while it fits, rejected when it does not.
	fs.failPuts.Store(false)
	env, err = tr.Send(ctx, transport.WriteRequest{Payload: payload(200)})
	require.NoError(t, err)
	require.False(t, env.Offloaded())

	_, err = tr.Send(ctx, transport.WriteRequest{Payload: payload(300)})
	require.ErrorIs(t, err, models.ErrCircuitOpenRejected)
	require.True(t, models.Retryable(err))
}

func TestSend_ProbeClosesCircuit(t *testing.T) {
	tr, fs, clock := newTestTransport(t, models.CompressionNone)
	ctx := context.Background()

	fs.failPuts.Store(true)
	for i := 0; i < 2; i++ {
		_, _ = tr.Send(ctx, transport.WriteRequest{Payload: payload(100)})
	}
	require.Equal(t, models.CircuitOpen, tr.Breaker().State())

	fs.failPuts.Store(false)
	clock.Advance(30 * time.Second)
	env, err := tr.Send(ctx, transport.WriteRequest{Payload: payload(100)})
	require.NoError(t, err)
	require.True(t, env.Offloaded(), "probe write should go durable")
	require.Equal(t, models.CircuitClosed, tr.Breaker().State())
}

func TestReceive_InlineChecksumMismatch(t *testing.T) {
	tr, _, _ := newTestTransport(t, models.CompressionNone)
	env, err := tr.Send(context.Background(), transport.WriteRequest{Payload: []byte("abc")})
	require.NoError(t, err)
	env.Inline = []byte("abd")

	_, err = tr.Receive(context.Background(), env)
	require.ErrorIs(t, err, models.ErrTransportIntegrity)
}

// ─── Sweep ───────────────────────────────────────────────────

func TestSweep_ExpiresThenPurges(t *testing.T) {
	tr, fs, clock := newTestTransport(t, models.CompressionNone)
	ctx := context.Background()

	done, err := tr.Write(ctx, transport.WriteRequest{Payload: payload(100)})
	require.NoError(t, err)
	_, err = tr.Read(ctx, done.ID)
	require.NoError(t, err)
	pending, err := tr.Write(ctx, transport.WriteRequest{Payload: payload(100)})
	require.NoError(t, err)

	stats, err := tr.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Expired)

	clock.Advance(time.Hour)
	stats, err = tr.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Expired)
	require.Zero(t, fs.Len())

	for _, id := range []string{done.ID, pending.ID} {
		rec, err := tr.Record(id)
		require.NoError(t, err)
		require.Equal(t, models.TransportExpired, rec.Status)
		_, err = tr.Read(ctx, id)
		require.True(t, models.IsNotFound(err))
	}

	stats, err = tr.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Purged)
	require.Empty(t, tr.Records())
}

func TestWrite_StoreFailureLeavesErrorRecord(t *testing.T) {
	tr, fs, _ := newTestTransport(t, models.CompressionNone)
	fs.failPuts.Store(true)

	_, err := tr.Write(context.Background(), transport.WriteRequest{TransactionID: "tx-1", Payload: payload(100)})
	require.Error(t, err)

	recs := tr.Records()
	require.Len(t, recs, 1)
	require.Equal(t, models.TransportError, recs[0].Status)
	require.Equal(t, "tx-1", recs[0].TransactionID)
	require.True(t, strings.Contains(recs[0].LastError, "connection refused"))
}
