package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lobikohealth/LobikoPipe/internal/store"
)

// Compile-time check that PersistentStateStore implements StateStore.
var _ StateStore = (*PersistentStateStore)(nil)

// PersistentStateStore keeps conversation states in the database so they
// survive restarts and can be shared between processes.
type PersistentStateStore struct {
	repo store.ConversationStateRepo
}

// NewPersistentStateStore creates a StateStore backed by repo.
func NewPersistentStateStore(repo store.ConversationStateRepo) *PersistentStateStore {
	slog.Debug("Creating PersistentStateStore")
	return &PersistentStateStore{repo: repo}
}

func toRecord(st *ConversationState) store.ConversationRecord {
	fields := make(map[string]string, len(st.Fields))
	for k, v := range st.Fields {
		fields[string(k)] = v
	}
	return store.ConversationRecord{
		UserID:    st.UserID,
		Step:      string(st.Step),
		Fields:    fields,
		Version:   st.Version,
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt,
	}
}

func fromRecord(rec store.ConversationRecord) *ConversationState {
	st := &ConversationState{
		UserID:    rec.UserID,
		Step:      Step(rec.Step),
		Fields:    make(map[Field]string, len(rec.Fields)),
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	for k, v := range rec.Fields {
		st.Fields[Field(k)] = v
	}
	return st
}

func (p *PersistentStateStore) Get(ctx context.Context, userID string) (*ConversationState, error) {
	rec, err := p.repo.GetConversationState(ctx, userID)
	if err != nil {
		slog.Error("PersistentStateStore.Get failed", "error", err, "userID", userID)
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return fromRecord(*rec), nil
}

func (p *PersistentStateStore) Put(ctx context.Context, st *ConversationState) error {
	rec := toRecord(st)
	rec.Version = st.Version + 1

	var (
		ok  bool
		err error
	)
	if st.Version == 0 {
		ok, err = p.repo.InsertConversationState(ctx, rec)
	} else {
		ok, err = p.repo.UpdateConversationState(ctx, rec, st.Version)
	}
	if err != nil {
		slog.Error("PersistentStateStore.Put failed", "error", err, "userID", st.UserID)
		return fmt.Errorf("failed to store conversation state: %w", err)
	}
	if !ok {
		slog.Debug("PersistentStateStore.Put: version conflict", "userID", st.UserID, "expected", st.Version)
		return ErrStateConflict
	}
	st.Version = rec.Version
	return nil
}

func (p *PersistentStateStore) Remove(ctx context.Context, userID string) error {
	return p.repo.DeleteConversationState(ctx, userID)
}

func (p *PersistentStateStore) RemoveIfVersion(ctx context.Context, userID string, version int64) (*ConversationState, error) {
	rec, err := p.repo.GetConversationState(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Version != version {
		return nil, nil
	}
	ok, err := p.repo.DeleteConversationStateIfVersion(ctx, userID, version)
	if err != nil || !ok {
		return nil, err
	}
	return fromRecord(*rec), nil
}

func (p *PersistentStateStore) List(ctx context.Context) ([]ConversationState, error) {
	recs, err := p.repo.ListConversationStates(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ConversationState, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *fromRecord(rec))
	}
	return out, nil
}
