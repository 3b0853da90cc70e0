// Package idempotency provides an inbox that runs a write at most once per
// idempotency key and replays the recorded result for repeated requests.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrNotFound is returned by a Store when no live entry has the key
	ErrNotFound = errors.New("idempotency key not found")
	// ErrDuplicate is returned by Store.Start when a live entry holds the key
	ErrDuplicate = errors.New("idempotency key already claimed")
	// ErrInProgress means another request with the key has not finished yet
	ErrInProgress = errors.New("request with this idempotency key is in progress")
	// ErrKeyReused means the key was first used for a different request
	ErrKeyReused = errors.New("idempotency key reused with a different request")
	// ErrPreviouslyFailed means the first attempt failed permanently
	ErrPreviouslyFailed = errors.New("request previously failed permanently")
)

// Entry is one inbox record
type Entry struct {
	Key         string
	Handler     string
	Fingerprint string
	Status      Status
	Result      json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

// Store persists inbox entries. Entries past ExpiresAt are treated as absent.
type Store interface {
	// Get returns the live entry for key or ErrNotFound
	Get(ctx context.Context, key string) (*Entry, error)
	// Start claims key with a STARTED entry. An existing entry is taken over
	// only when it is RECOVERABLE or expired; otherwise ErrDuplicate.
	Start(ctx context.Context, e Entry) error
	// SetStatus records the outcome of an attempt
	SetStatus(ctx context.Context, key string, status Status, result json.RawMessage, at time.Time) error
	// DeleteExpired removes entries that expired before now
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long a key is remembered
	TTL time.Duration
	// CleanupInterval is how often expired entries are removed
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
	// IsTerminal marks failures that must not be retried. Defaults to never.
	IsTerminal func(err error) bool
	Now        func() time.Time
}

// DefaultConfig returns defaults sized for ward API retries
func DefaultConfig() Config {
	return Config{
		TTL:             24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: time.Minute,
	}
}

// Inbox manages idempotent processing
type Inbox struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewInbox creates an inbox over store
func NewInbox(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.IsTerminal == nil {
		cfg.IsTerminal = func(error) bool { return false }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("idempotency-inbox"),
	}
}

// Result is the outcome of Process
type Result struct {
	// Replayed is set when Result comes from an earlier attempt
	Replayed bool
	// Recovered is set when an abandoned or retryable attempt was rerun
	Recovered bool
	Result    json.RawMessage
}

// ProcessFunc performs the write and returns the result to record
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Process runs fn once for key. A repeated key with the same fingerprint
// returns the recorded result without calling fn; a different fingerprint
// yields ErrKeyReused.
func (i *Inbox) Process(ctx context.Context, key, handler, fingerprint string, fn ProcessFunc) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(attribute.String("handler", handler)))
	defer span.End()

	now := i.config.Now()
	entry, err := i.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	if entry != nil {
		if entry.Handler != handler || entry.Fingerprint != fingerprint {
			return nil, ErrKeyReused
		}
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("replayed", true))
			return &Result{Replayed: true, Result: entry.Result}, nil

		case StatusFailed:
			return nil, ErrPreviouslyFailed

		case StatusStarted:
			if now.Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			if err := i.store.SetStatus(ctx, key, StatusRecoverable, nil, now); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
			i.logger.Warn("recovering abandoned request", zap.String("handler", handler))
		}
	}

	err = i.store.Start(ctx, Entry{
		Key:         key,
		Handler:     handler,
		Fingerprint: fingerprint,
		Status:      StatusStarted,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(i.config.TTL),
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, ErrInProgress
		}
		return nil, fmt.Errorf("start processing: %w", err)
	}

	result, fnErr := fn(ctx)
	if fnErr != nil {
		status := StatusRecoverable
		if i.config.IsTerminal(fnErr) {
			status = StatusFailed
		}
		if err := i.store.SetStatus(ctx, key, status, nil, i.config.Now()); err != nil {
			i.logger.Error("failed to record attempt failure", zap.String("handler", handler), zap.Error(err))
		}
		span.RecordError(fnErr)
		return nil, fnErr
	}

	if err := i.store.SetStatus(ctx, key, StatusFinished, result, i.config.Now()); err != nil {
		// the write itself succeeded
		i.logger.Error("failed to record result", zap.String("handler", handler), zap.Error(err))
	}
	return &Result{Recovered: entry != nil, Result: result}, nil
}

// Fingerprint hashes the parts identifying a request
func Fingerprint(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(hash[:])
}

// StartCleanup removes expired entries every CleanupInterval until Stop
func (i *Inbox) StartCleanup() {
	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.done = make(chan struct{})
	go i.cleanupLoop(ctx)
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup loop
func (i *Inbox) Stop() {
	i.stopOnce.Do(func() {
		if i.cancel == nil {
			return
		}
		i.cancel()
		<-i.done
	})
}

func (i *Inbox) cleanupLoop(ctx context.Context) {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := i.Cleanup(ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

// Cleanup removes expired entries now
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	n, err := i.store.DeleteExpired(ctx, i.config.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
	}
	return n, nil
}
