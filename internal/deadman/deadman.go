// Package deadman implements spec.md §4.7's inactivity lock ("dead man's
// switch"): a countdown timer that, on expiry, locks every active encrypted
// key and suspends every app until an operator resets it with a matching
// passphrase.
package deadman

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mroxso/signetd/internal/eventbus"
	"github.com/mroxso/signetd/internal/model"
	"github.com/mroxso/signetd/internal/store"
)

// Status is the derived state-machine position; model.DeadManSwitchState
// only stores the fields needed to recompute it.
type Status int

const (
	StatusDisabled Status = iota
	StatusArmed
	StatusPanicked
)

// CheckInterval is the spec.md §4.7 60-second check loop tick.
const CheckInterval = 60 * time.Second

// WarningThresholds are the preconfigured remaining-time thresholds that
// trigger a best-effort notification, in descending order.
var WarningThresholds = []time.Duration{
	7 * 24 * time.Hour,
	24 * time.Hour,
	6 * time.Hour,
	time.Hour,
	15 * time.Minute,
	2 * time.Minute,
}

const (
	rateLimitMaxAttempts = 5
	rateLimitWindow      = time.Hour
)

// Vault is the narrow slice of internal/vault the switch needs: locking
// every active encrypted key on panic, and verifying/applying a passphrase
// against whichever encrypted key it belongs to (there is no separate
// "admin passphrase" concept in this daemon).
type Vault interface {
	VerifyPassphrase(ctx context.Context, name, passphrase string) (bool, error)
	LockAll(ctx context.Context) []string
	Unlock(ctx context.Context, name, passphrase string) error
}

// Notifier sends a best-effort out-of-band warning (e.g. an admin DM);
// failures are logged, never fatal.
type Notifier interface {
	NotifyBestEffort(ctx context.Context, message string)
}

// Switch is the dead man's switch service. One per process.
type Switch struct {
	repo     store.Repository
	bus      *eventbus.Bus
	vault    Vault
	notifier Notifier

	mu             sync.Mutex
	firstFailureAt time.Time
	failureCount   int
}

// New constructs a Switch. notifier may be nil (warnings are then skipped).
func New(repo store.Repository, bus *eventbus.Bus, vault Vault, notifier Notifier) *Switch {
	return &Switch{repo: repo, bus: bus, vault: vault, notifier: notifier}
}

func (s *Switch) emit(name eventbus.Name, payload any) {
	if s.bus != nil {
		s.bus.Publish(name, payload)
	}
}

func statusOf(state *model.DeadManSwitchState) Status {
	switch {
	case !state.Enabled:
		return StatusDisabled
	case state.PanicTriggeredAt != nil:
		return StatusPanicked
	default:
		return StatusArmed
	}
}

// Enable implements the Disabled -> Armed(lastReset=now) transition. At
// least one encrypted key must exist.
func (s *Switch) Enable(ctx context.Context, timeframeSec int64) error {
	const op = "deadman.Enable"
	if timeframeSec <= 0 {
		return model.New(op, model.KindInvalidInput, "timeframe must be positive")
	}
	recs, err := s.repo.ListKeyRecords(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	hasEncrypted := false
	for _, r := range recs {
		if r.IsEncrypted() {
			hasEncrypted = true
			break
		}
	}
	if !hasEncrypted {
		return model.New(op, model.KindInvalidInput, "at least one encrypted key is required to arm")
	}

	state := &model.DeadManSwitchState{
		Enabled:      true,
		TimeframeSec: timeframeSec,
		LastResetAt:  time.Now(),
	}
	if err := s.repo.SaveDeadManState(ctx, state); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Disable implements the Armed -> Disabled transition; passphrase-gated and
// rate-limited.
func (s *Switch) Disable(ctx context.Context, passphrase string) error {
	const op = "deadman.Disable"
	if err := s.authenticate(ctx, op, passphrase); err != nil {
		return err
	}
	state, err := s.repo.GetDeadManState(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	state.Enabled = false
	state.PanicTriggeredAt = nil
	state.WarningsSent = nil
	if err := s.repo.SaveDeadManState(ctx, state); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// UpdateTimeframe changes the armed countdown length; passphrase-gated and
// rate-limited.
func (s *Switch) UpdateTimeframe(ctx context.Context, passphrase string, timeframeSec int64) error {
	const op = "deadman.UpdateTimeframe"
	if timeframeSec <= 0 {
		return model.New(op, model.KindInvalidInput, "timeframe must be positive")
	}
	if err := s.authenticate(ctx, op, passphrase); err != nil {
		return err
	}
	state, err := s.repo.GetDeadManState(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	state.TimeframeSec = timeframeSec
	state.WarningsSent = nil
	if err := s.repo.SaveDeadManState(ctx, state); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.emit(eventbus.DeadmanUpdated, nil)
	return nil
}

// Reset implements Armed/Panicked -> Armed(lastReset=now), re-unlocking
// whichever key the passphrase belongs to when recovering from a panic.
func (s *Switch) Reset(ctx context.Context, passphrase string) error {
	const op = "deadman.Reset"
	matched, err := s.authenticateAndUnlock(ctx, op, passphrase)
	if err != nil {
		return err
	}

	state, err := s.repo.GetDeadManState(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	wasPanicked := state.PanicTriggeredAt != nil
	state.LastResetAt = time.Now()
	state.PanicTriggeredAt = nil
	state.WarningsSent = nil
	if err := s.repo.SaveDeadManState(ctx, state); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if wasPanicked && matched != "" {
		if err := s.vault.Unlock(ctx, matched, passphrase); err != nil {
			log.Printf("deadman: reset: re-unlock of %s failed: %v", matched, err)
		}
	}
	s.emit(eventbus.DeadmanReset, nil)
	return nil
}

// TestPanic manually triggers Panic for operator verification; passphrase-
// gated and rate-limited like the other mutating operations.
func (s *Switch) TestPanic(ctx context.Context, passphrase string) error {
	const op = "deadman.TestPanic"
	if err := s.authenticate(ctx, op, passphrase); err != nil {
		return err
	}
	return s.Panic(ctx)
}

// authenticate verifies passphrase against any known encrypted key under the
// shared "passphrase" rate-limit identifier, without returning which key
// matched.
func (s *Switch) authenticate(ctx context.Context, op, passphrase string) error {
	_, err := s.authenticateAndUnlock(ctx, op, passphrase)
	return err
}

func (s *Switch) authenticateAndUnlock(ctx context.Context, op, passphrase string) (string, error) {
	if retryAfter, limited := s.checkRateLimit(); limited {
		return "", &model.Error{Op: op, Kind: model.KindRateLimited, RetryAfter: retryAfter}
	}

	recs, err := s.repo.ListKeyRecords(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	for _, r := range recs {
		if !r.IsEncrypted() {
			continue
		}
		ok, err := s.vault.VerifyPassphrase(ctx, r.Name, passphrase)
		if err != nil {
			continue
		}
		if ok {
			s.recordSuccess()
			return r.Name, nil
		}
	}
	s.recordFailure()
	return "", model.New(op, model.KindWrongPassphrase, "")
}

// checkRateLimit implements the 5-attempts/1h window anchored to the first
// failure (not refreshed per attempt), keyed by the single identifier
// "passphrase" per spec.md §4.7.
func (s *Switch) checkRateLimit() (retryAfterSeconds int64, limited bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failureCount == 0 {
		return 0, false
	}
	elapsed := time.Since(s.firstFailureAt)
	if elapsed > rateLimitWindow {
		s.failureCount = 0
		return 0, false
	}
	if s.failureCount >= rateLimitMaxAttempts {
		return int64((rateLimitWindow - elapsed) / time.Second), true
	}
	return 0, false
}

func (s *Switch) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failureCount == 0 {
		s.firstFailureAt = time.Now()
	}
	s.failureCount++
}

func (s *Switch) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount = 0
}

// Panic implements spec.md §4.7's panic effects. Each step is attempted
// independently: a failure in one is logged but never blocks the others.
func (s *Switch) Panic(ctx context.Context) error {
	locked := s.vault.LockAll(ctx)
	log.Printf("deadman: panic locked %d active key(s): %v", len(locked), locked)

	if _, err := s.repo.SuspendAllApps(ctx, nil); err != nil {
		log.Printf("deadman: panic: suspend all apps failed: %v", err)
	}

	now := time.Now()
	state, err := s.repo.GetDeadManState(ctx)
	if err != nil {
		state = &model.DeadManSwitchState{Enabled: true}
		log.Printf("deadman: panic: load state failed, using defaults: %v", err)
	}
	state.PanicTriggeredAt = &now
	if err := s.repo.SaveDeadManState(ctx, state); err != nil {
		log.Printf("deadman: panic: save state failed: %v", err)
	}

	if err := s.repo.AppendAudit(ctx, &model.AuditRecord{Action: "panic_triggered", At: now}); err != nil {
		log.Printf("deadman: panic: audit append failed: %v", err)
	}

	s.emit(eventbus.DeadmanPanic, nil)
	s.emit(eventbus.StatsUpdated, nil)
	return nil
}

// CheckTick runs one iteration of the 60s check loop: triggers Panic on
// timeframe expiry, and sends best-effort warnings as remaining time crosses
// WarningThresholds.
func (s *Switch) CheckTick(ctx context.Context, now time.Time) error {
	state, err := s.repo.GetDeadManState(ctx)
	if err != nil {
		return fmt.Errorf("deadman.CheckTick: %w", err)
	}
	if statusOf(state) != StatusArmed {
		return nil
	}

	elapsed := now.Sub(state.LastResetAt)
	deadline := time.Duration(state.TimeframeSec) * time.Second
	if elapsed >= deadline {
		return s.Panic(ctx)
	}

	remaining := deadline - elapsed
	sent := map[int64]struct{}{}
	for _, t := range state.WarningsSent {
		sent[t] = struct{}{}
	}

	changed := false
	for _, threshold := range WarningThresholds {
		key := int64(threshold / time.Second)
		if _, already := sent[key]; already {
			continue
		}
		if remaining <= threshold {
			s.notify(ctx, fmt.Sprintf("inactivity lock: %s remaining before panic", remaining.Round(time.Second)))
			state.WarningsSent = append(state.WarningsSent, key)
			changed = true
		}
	}
	if changed {
		if err := s.repo.SaveDeadManState(ctx, state); err != nil {
			log.Printf("deadman: CheckTick: save warnings failed: %v", err)
		}
	}
	return nil
}

func (s *Switch) notify(ctx context.Context, message string) {
	if s.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("deadman: notifier panicked: %v", r)
		}
	}()
	s.notifier.NotifyBestEffort(ctx, message)
}

// Run launches the 60-second check loop; it returns when ctx is cancelled.
func (s *Switch) Run(ctx context.Context) {
	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := s.CheckTick(ctx, now); err != nil {
				log.Printf("deadman: check tick failed: %v", err)
			}
		}
	}
}
