package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ai-research-be/internal/pkg/logger"
)

var (
	ErrVersionConflict = errors.New("memory: version conflict")
	ErrEmptyID         = errors.New("memory: empty memory id")
)

// Ledger is the single read/write path for conversations and their costs.
//
// Persisted conversations go to the durable store, the rest to the
// ephemeral one. Reads consult both. Every mutation runs as a
// read-modify-write under a per-key mutex and bumps Version, so concurrent
// AddCost calls from parallel pipeline stages never lose an increment.
type Ledger struct {
	durable   KVStore
	ephemeral KVStore
	turns     *Locker
	writes    *Locker
	logger    logger.ILogger
	now       func() time.Time
}

func NewLedger(durable, ephemeral KVStore, log logger.ILogger) *Ledger {
	if ephemeral == nil {
		ephemeral = durable
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Ledger{
		durable:   durable,
		ephemeral: ephemeral,
		turns:     NewLocker(),
		writes:    NewLocker(),
		logger:    log,
		now:       time.Now,
	}
}

// Lock serializes whole turns on one memoryId.
func (l *Ledger) Lock(id string) func() {
	return l.turns.Lock(id)
}

// TryLock reports false when a turn on id is already running.
func (l *Ledger) TryLock(id string) (func(), bool) {
	return l.turns.TryLock(id)
}

func (l *Ledger) storeFor(persist bool) KVStore {
	if persist {
		return l.durable
	}
	return l.ephemeral
}

func (l *Ledger) stores() []KVStore {
	if l.ephemeral == l.durable {
		return []KVStore{l.durable}
	}
	return []KVStore{l.durable, l.ephemeral}
}

func (l *Ledger) read(ctx context.Context, key string) (*ConversationMemory, error) {
	for _, s := range l.stores() {
		data, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var mem ConversationMemory
		if err := json.Unmarshal(data, &mem); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		return &mem, nil
	}
	return nil, ErrNotFound
}

func (l *Ledger) write(ctx context.Context, mem *ConversationMemory) error {
	data, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("encode memory %s: %w", mem.ID, err)
	}
	return l.storeFor(mem.Persist).Set(ctx, Key(mem.ID), data)
}

// Load returns the conversation stored under the canonical key.
func (l *Ledger) Load(ctx context.Context, id string) (*ConversationMemory, bool, error) {
	if id == "" {
		return nil, false, ErrEmptyID
	}
	mem, err := l.read(ctx, Key(id))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return mem, true, nil
}

// LoadAny tries every key spelling from CandidateKeys, returning the first
// hit. Only readers of older data need this.
func (l *Ledger) LoadAny(ctx context.Context, id string) (*ConversationMemory, bool, error) {
	if id == "" {
		return nil, false, ErrEmptyID
	}
	for _, key := range CandidateKeys(id) {
		mem, err := l.read(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if mem.ID == "" {
			mem.ID = id
		}
		if key != Key(id) {
			l.logger.Debug("Ledger", "Memory found under legacy key", map[string]interface{}{"memory_id": id, "key": key})
		}
		return mem, true, nil
	}
	return nil, false, nil
}

// LoadOrCreate returns the existing conversation or stores a new empty one.
func (l *Ledger) LoadOrCreate(ctx context.Context, id string, persist bool) (*ConversationMemory, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	unlock := l.writes.Lock(id)
	defer unlock()

	mem, err := l.read(ctx, Key(id))
	if err == nil {
		return mem, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	mem = New(id, persist, l.now())
	mem.Version = 1
	if err := l.write(ctx, mem); err != nil {
		return nil, err
	}
	l.logger.Info("Ledger", "Memory created", map[string]interface{}{"memory_id": id, "persist": persist})
	return mem, nil
}

// Save writes mem if nobody else wrote since it was loaded.
func (l *Ledger) Save(ctx context.Context, mem *ConversationMemory) error {
	if mem == nil || mem.ID == "" {
		return ErrEmptyID
	}
	unlock := l.writes.Lock(mem.ID)
	defer unlock()

	current, err := l.read(ctx, Key(mem.ID))
	switch {
	case errors.Is(err, ErrNotFound):
		if mem.Version != 0 {
			return fmt.Errorf("%w: %s was removed", ErrVersionConflict, mem.ID)
		}
	case err != nil:
		return err
	case current.Version != mem.Version:
		return fmt.Errorf("%w: %s at v%d, caller has v%d", ErrVersionConflict, mem.ID, current.Version, mem.Version)
	}

	mem.Version++
	mem.UpdatedAt = l.now()
	return l.write(ctx, mem)
}

// Update applies fn to the stored conversation and writes the result.
func (l *Ledger) Update(ctx context.Context, id string, fn func(*ConversationMemory) error) (*ConversationMemory, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	unlock := l.writes.Lock(id)
	defer unlock()

	mem, err := l.read(ctx, Key(id))
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	if err := fn(mem); err != nil {
		return nil, err
	}
	mem.Version++
	mem.UpdatedAt = l.now()
	if err := l.write(ctx, mem); err != nil {
		return nil, err
	}
	return mem, nil
}

func (l *Ledger) Append(ctx context.Context, id string, turn ChatTurn) (*ConversationMemory, error) {
	if !turn.Sender.Valid() {
		return nil, fmt.Errorf("append to %s: invalid sender %q", id, turn.Sender)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = l.now()
	}
	return l.Update(ctx, id, func(m *ConversationMemory) error {
		m.ChatLog = append(m.ChatLog, turn)
		return nil
	})
}

// AddCost records one LLM call's spend. TotalCost always equals the sum of
// every in+out passed here.
func (l *Ledger) AddCost(ctx context.Context, id string, in, out float64) error {
	_, err := l.Update(ctx, id, func(m *ConversationMemory) error {
		m.Costs.In += in
		m.Costs.Out += out
		m.Costs.Entries = append(m.Costs.Entries, CostEntry{In: in, Out: out, At: l.now()})
		return nil
	})
	return err
}

func (l *Ledger) SaveArtifacts(ctx context.Context, id string, art TurnArtifacts) error {
	if art.CreatedAt.IsZero() {
		art.CreatedAt = l.now()
	}
	_, err := l.Update(ctx, id, func(m *ConversationMemory) error {
		m.Turns = append(m.Turns, art)
		return nil
	})
	return err
}

func (l *Ledger) TotalCost(ctx context.Context, id string) (float64, error) {
	mem, ok, err := l.Load(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotFound
	}
	return mem.Costs.Total(), nil
}
