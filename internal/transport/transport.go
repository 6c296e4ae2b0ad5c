// Package transport moves tool payloads between the gateway and its
// execution layer. Payloads above the offload threshold are written to a
// durable store and only a reference travels over the primary channel.
// Every durable write is gated by a circuit breaker; while it is open,
// payloads that fit the primary channel's hard limit go inline instead.
package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/toolgate/internal/config"
	"github.com/agentoven/toolgate/internal/metrics"
	"github.com/agentoven/toolgate/internal/store"
	"github.com/agentoven/toolgate/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// Options configures a Transport.
type Options struct {
	OffloadThreshold int
	PrimaryLimit     int
	RecordTTL        time.Duration
	Compression      models.CompressionType
	RereadDelay      time.Duration
	Now              func() time.Time
}

// OptionsFromConfig maps the transport section of the process config.
func OptionsFromConfig(cfg config.TransportConfig) Options {
	return Options{
		OffloadThreshold: cfg.OffloadThreshold,
		PrimaryLimit:     cfg.PrimaryLimit,
		RecordTTL:        cfg.RecordTTL,
		Compression:      models.CompressionType(cfg.Compression),
	}
}

// BreakerConfigFromConfig maps the breaker settings of the process config.
func BreakerConfigFromConfig(cfg config.TransportConfig) BreakerConfig {
	return BreakerConfig{
		Threshold:       cfg.BreakerThreshold,
		Window:          cfg.BreakerWindow,
		RecoveryTimeout: cfg.RecoveryTimeout,
	}
}

// WriteRequest is a payload to be offloaded.
type WriteRequest struct {
	TransactionID string
	SessionID     string
	ToolName      string
	Payload       []byte
}

// SweepStats summarises one Sweep pass.
type SweepStats struct {
	Expired int
	Purged  int
}

// expiryPurger is implemented by stores that can drop expired rows in bulk.
type expiryPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Transport is safe for concurrent use.
type Transport struct {
	store   store.Driver
	breaker *Breaker
	opts    Options

	mu      sync.RWMutex
	records map[string]*models.TransportRecord
}

// New creates a Transport over d guarded by b.
func New(d store.Driver, b *Breaker, opts Options) *Transport {
	if opts.OffloadThreshold <= 0 {
		opts.OffloadThreshold = 1 << 20
	}
	if opts.PrimaryLimit < opts.OffloadThreshold {
		opts.PrimaryLimit = opts.OffloadThreshold
	}
	if opts.RecordTTL <= 0 {
		opts.RecordTTL = time.Hour
	}
	if opts.Compression == "" {
		opts.Compression = models.CompressionGzip
	}
	if opts.RereadDelay <= 0 {
		opts.RereadDelay = 10 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Transport{
		store:   d,
		breaker: b,
		opts:    opts,
		records: make(map[string]*models.TransportRecord),
	}
}

// Breaker returns the circuit breaker guarding the store.
func (t *Transport) Breaker() *Breaker { return t.breaker }

// StoreKind names the backing store.
func (t *Transport) StoreKind() string { return t.store.Kind() }

// ShouldOffload reports whether a payload of size bytes goes to the
// durable store.
func (t *Transport) ShouldOffload(size int) bool {
	return size > t.opts.OffloadThreshold
}

// ── Records ──────────────────────────────────────────────────

// Record returns a copy of the record with the given id.
func (t *Transport) Record(id string) (models.TransportRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	if !ok {
		return models.TransportRecord{}, &models.ErrNotFound{Entity: "transport record", Key: id}
	}
	return *r, nil
}

// Records returns copies of every tracked record, oldest first.
func (t *Transport) Records() []models.TransportRecord {
	t.mu.RLock()
	out := make([]models.TransportRecord, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// setStatus applies a lifecycle transition. Only PENDING records move to
// COMPLETE or ERROR; EXPIRED is reachable from anywhere.
func (t *Transport) setStatus(id string, to models.TransportStatus, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return
	}
	if to != models.TransportExpired && r.Status != models.TransportPending {
		return
	}
	r.Status = to
	if cause != nil {
		r.LastError = cause.Error()
	}
}

// ── Write / Read ─────────────────────────────────────────────

// Write offloads a payload to the durable store. The checksum is computed
// over the uncompressed bytes. A failed store write still leaves a record
// in ERROR state for inspection.
func (t *Transport) Write(ctx context.Context, req WriteRequest) (*models.TransportRecord, error) {
	now := t.opts.Now()
	if req.TransactionID == "" {
		req.TransactionID = uuid.New().String()
	}

	sum := sha256.Sum256(req.Payload)
	body, ctype, err := compress(req.Payload, t.opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}

	rec := &models.TransportRecord{
		ID:              uuid.New().String(),
		TransactionID:   req.TransactionID,
		SessionID:       req.SessionID,
		ToolName:        req.ToolName,
		PayloadSize:     len(req.Payload),
		CompressionType: ctype,
		CompressedSize:  len(body),
		Checksum:        hex.EncodeToString(sum[:]),
		Status:          models.TransportPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(t.opts.RecordTTL),
	}

	ref, putErr := t.store.Put(ctx, body, t.opts.RecordTTL)
	if putErr != nil {
		rec.Status = models.TransportError
		rec.LastError = putErr.Error()
	}
	rec.StoreRef = ref

	t.mu.Lock()
	t.records[rec.ID] = rec
	t.mu.Unlock()

	if putErr != nil {
		log.Error().Err(putErr).Str("record", rec.ID).Str("store", t.store.Kind()).Msg("❌ Durable write failed")
		return nil, fmt.Errorf("durable write: %w", putErr)
	}

	metrics.TransportBytes.WithLabelValues("raw").Add(float64(rec.PayloadSize))
	metrics.TransportBytes.WithLabelValues("stored").Add(float64(rec.CompressedSize))
	log.Debug().
		Str("record", rec.ID).
		Str("transaction", rec.TransactionID).
		Int("size", rec.PayloadSize).
		Int("stored", rec.CompressedSize).
		Str("compression", string(ctype)).
		Msg("Payload offloaded")

	out := *rec
	return &out, nil
}

// errChecksum marks a read whose bytes did not verify. It is the only
// failure that earns a second read.
var errChecksum = errors.New("checksum mismatch")

// Read fetches and verifies an offloaded payload. A checksum mismatch is
// retried once with a fresh read; if it persists the record is marked
// ERROR and ErrTransportIntegrity is returned. Corrupt bytes are never
// returned.
func (t *Transport) Read(ctx context.Context, id string) ([]byte, error) {
	rec, err := t.Record(id)
	if err != nil {
		return nil, err
	}
	if rec.Status == models.TransportExpired {
		return nil, &models.ErrNotFound{Entity: "transport record", Key: id}
	}

	var payload []byte
	op := func() error {
		raw, err := t.store.Get(ctx, rec.StoreRef)
		if err != nil {
			return backoff.Permanent(err)
		}
		data, err := decompress(raw, rec.CompressionType)
		if err != nil {
			// Undecodable bytes are corruption too.
			return fmt.Errorf("%w: %v", errChecksum, err)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != rec.Checksum {
			return errChecksum
		}
		payload = data
		return nil
	}
	notify := func(err error, _ time.Duration) {
		log.Warn().Err(err).Str("record", id).Msg("Durable read failed verification, re-reading")
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(t.opts.RereadDelay), 1), ctx)

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if errors.Is(err, errChecksum) {
			metrics.IntegrityFailures.Inc()
			t.setStatus(id, models.TransportError, err)
			log.Error().Str("record", id).Str("checksum", rec.Checksum).Msg("❌ Durable payload failed integrity check")
			return nil, fmt.Errorf("%w: record %s", models.ErrTransportIntegrity, id)
		}
		if models.IsNotFound(err) {
			t.setStatus(id, models.TransportError, err)
			return nil, fmt.Errorf("payload for record %s missing from %s store: %w", id, t.store.Kind(), err)
		}
		t.setStatus(id, models.TransportError, err)
		return nil, fmt.Errorf("durable read %s: %w", id, err)
	}

	t.setStatus(id, models.TransportComplete, nil)
	return payload, nil
}

// ── Send / Receive ───────────────────────────────────────────

// Send wraps a payload in an Envelope. Small payloads go inline. Large ones
// are offloaded when the breaker allows it; otherwise, or if the write
// fails, they fall back inline when they fit the primary channel and are
// rejected with ErrCircuitOpenRejected when they do not.
func (t *Transport) Send(ctx context.Context, req WriteRequest) (*models.Envelope, error) {
	size := len(req.Payload)
	if !t.ShouldOffload(size) {
		metrics.TransportOffloads.WithLabelValues("inline").Inc()
		return inlineEnvelope(req.Payload), nil
	}

	var cause error
	if t.breaker.Allow() {
		rec, err := t.Write(ctx, req)
		if err == nil {
			t.breaker.RecordSuccess()
			metrics.TransportOffloads.WithLabelValues("durable").Inc()
			return &models.Envelope{RecordID: rec.ID, Size: size, Checksum: rec.Checksum}, nil
		}
		t.breaker.RecordFailure()
		cause = err
	} else {
		cause = errors.New("circuit open")
	}

	if size <= t.opts.PrimaryLimit {
		metrics.TransportOffloads.WithLabelValues("inline_fallback").Inc()
		log.Warn().Err(cause).Int("size", size).Str("tool", req.ToolName).Msg("Durable transport unavailable, sending inline")
		return inlineEnvelope(req.Payload), nil
	}

	metrics.TransportOffloads.WithLabelValues("rejected").Inc()
	return nil, fmt.Errorf("%w: %d-byte payload exceeds primary limit %d (%v)",
		models.ErrCircuitOpenRejected, size, t.opts.PrimaryLimit, cause)
}

// Receive returns the payload an Envelope carries, reading and verifying
// it from the durable store when it was offloaded.
func (t *Transport) Receive(ctx context.Context, env *models.Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	if env.Offloaded() {
		return t.Read(ctx, env.RecordID)
	}
	if env.Checksum != "" {
		sum := sha256.Sum256(env.Inline)
		if hex.EncodeToString(sum[:]) != env.Checksum {
			metrics.IntegrityFailures.Inc()
			return nil, fmt.Errorf("%w: inline payload", models.ErrTransportIntegrity)
		}
	}
	return env.Inline, nil
}

func inlineEnvelope(p []byte) *models.Envelope {
	sum := sha256.Sum256(p)
	return &models.Envelope{Inline: p, Size: len(p), Checksum: hex.EncodeToString(sum[:])}
}

// ── Sweep ────────────────────────────────────────────────────

// Sweep marks records past their expiry EXPIRED and deletes their payload
// from the store. Records already EXPIRED on a previous pass are dropped
// from the index.
func (t *Transport) Sweep(ctx context.Context) (SweepStats, error) {
	now := t.opts.Now()
	var (
		stats   SweepStats
		deletes []string
	)

	t.mu.Lock()
	for id, r := range t.records {
		switch {
		case r.Status == models.TransportExpired:
			delete(t.records, id)
			stats.Purged++
		case !now.Before(r.ExpiresAt):
			r.Status = models.TransportExpired
			stats.Expired++
			if r.StoreRef != "" {
				deletes = append(deletes, r.StoreRef)
			}
		}
	}
	t.mu.Unlock()

	var errs []error
	for _, ref := range deletes {
		if err := t.store.Delete(ctx, ref); err != nil {
			errs = append(errs, err)
		}
	}
	if p, ok := t.store.(expiryPurger); ok {
		if _, err := p.PurgeExpired(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if stats.Expired > 0 {
		metrics.RecordsExpired.Add(float64(stats.Expired))
		log.Info().Int("expired", stats.Expired).Int("purged", stats.Purged).Msg("🧹 Transport records expired")
	}
	return stats, errors.Join(errs...)
}

// ── Compression ──────────────────────────────────────────────

// compress applies the codec only when it actually shrinks the payload.
func compress(p []byte, want models.CompressionType) ([]byte, models.CompressionType, error) {
	if want != models.CompressionGzip || len(p) == 0 {
		return p, models.CompressionNone, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(p); err != nil {
		return nil, "", err
	}
	if err := zw.Close(); err != nil {
		return nil, "", err
	}
	if buf.Len() >= len(p) {
		return p, models.CompressionNone, nil
	}
	return buf.Bytes(), models.CompressionGzip, nil
}

func decompress(p []byte, ctype models.CompressionType) ([]byte, error) {
	switch ctype {
	case models.CompressionNone, "":
		return p, nil
	case models.CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(p))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	}
	return nil, fmt.Errorf("unknown compression type %q", ctype)
}
