package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sensei/internal/storage"
)

type fakeSession struct {
	id       uuid.UUID
	owner    *uuid.UUID
	client   uuid.UUID
	messages int
	updated  time.Time
	deleted  bool
}

type fakeStore struct {
	mu           sync.Mutex
	sessions     map[uuid.UUID]*fakeSession
	clientCoach  map[uuid.UUID]*uuid.UUID
	fallback     *uuid.UUID
	mergeErr     error
	indexEnsured bool
	writes       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[uuid.UUID]*fakeSession{}, clientCoach: map[uuid.UUID]*uuid.UUID{}}
}

func (f *fakeStore) add(id string, owner *uuid.UUID, client uuid.UUID, messages int, updated time.Time) uuid.UUID {
	sid := uuid.MustParse(id)
	f.sessions[sid] = &fakeSession{id: sid, owner: owner, client: client, messages: messages, updated: updated}
	return sid
}

func (f *fakeStore) OwnerlessSessions(context.Context) ([]storage.OwnerlessSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.OwnerlessSession
	for _, s := range f.sessions {
		if s.owner == nil {
			out = append(out, storage.OwnerlessSession{SessionID: s.id, ClientID: s.client, ClientCoachID: f.clientCoach[s.client]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID.String() < out[j].SessionID.String() })
	return out, nil
}

func (f *fakeStore) CountOwnerlessSessions(ctx context.Context) (int, error) {
	s, err := f.OwnerlessSessions(ctx)
	return len(s), err
}

func (f *fakeStore) FallbackOwner(context.Context) (uuid.UUID, error) {
	if f.fallback == nil {
		return uuid.Nil, storage.ErrNotFound
	}
	return *f.fallback, nil
}

func (f *fakeStore) AssignSessionOwner(_ context.Context, sessionID, ownerID uuid.UUID) (storage.OwnerAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[sessionID]
	if s == nil || s.owner != nil {
		return storage.OwnerAssignment{}, nil
	}
	f.writes++
	var peer *fakeSession
	for _, p := range f.sessions {
		if !p.deleted && !s.deleted && p.owner != nil && *p.owner == ownerID && p.client == s.client {
			peer = p
			break
		}
	}
	s.owner = &ownerID
	if peer == nil {
		return storage.OwnerAssignment{Assigned: true}, nil
	}
	winner, _ := Canonical([]storage.SessionStats{
		{ID: s.id, MessageCount: s.messages, UpdatedAt: s.updated},
		{ID: peer.id, MessageCount: peer.messages, UpdatedAt: peer.updated},
	})
	keep, drop := s, peer
	if winner.ID == peer.id {
		keep, drop = peer, s
	}
	keep.messages += drop.messages
	delete(f.sessions, drop.id)
	return storage.OwnerAssignment{Assigned: true, MergedSessionID: drop.id, MessagesMoved: int64(drop.messages)}, nil
}

func (f *fakeStore) DuplicateSessionGroups(context.Context) ([]storage.SessionGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	type key struct{ owner, client uuid.UUID }
	byKey := map[key][]storage.SessionStats{}
	for _, s := range f.sessions {
		if s.deleted || s.owner == nil {
			continue
		}
		k := key{*s.owner, s.client}
		byKey[k] = append(byKey[k], storage.SessionStats{ID: s.id, MessageCount: s.messages, UpdatedAt: s.updated})
	}
	var out []storage.SessionGroup
	for k, ss := range byKey {
		if len(ss) > 1 {
			out = append(out, storage.SessionGroup{OwnerID: k.owner, ClientID: k.client, Sessions: ss})
		}
	}
	return out, nil
}

func (f *fakeStore) MergeSessions(_ context.Context, canonicalID, loserID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mergeErr != nil {
		return 0, f.mergeErr
	}
	loser, ok := f.sessions[loserID]
	if !ok {
		return 0, nil
	}
	f.writes++
	moved := loser.messages
	f.sessions[canonicalID].messages += moved
	delete(f.sessions, loserID)
	return int64(moved), nil
}

func (f *fakeStore) EnsureUniqueSessionIndex(context.Context) error {
	f.indexEnsured = true
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.DiscardHandler) }

var (
	coach  = uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	admin  = uuid.MustParse("00000000-0000-0000-0000-0000000000ad")
	client = uuid.MustParse("00000000-0000-0000-0000-0000000000c1")
	t0     = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
)

func TestRun_MergesBusiestSession(t *testing.T) {
	store := newFakeStore()
	small := store.add("00000000-0000-0000-0000-000000000001", &coach, client, 3, t0.Add(time.Hour))
	busy := store.add("00000000-0000-0000-0000-000000000002", &coach, client, 7, t0)

	sum, err := New(store, quiet()).Run(context.Background(), Options{EnforceUniqueIndex: true})
	require.NoError(t, err)
	assert.Equal(t, Summary{DuplicateGroups: 1, SessionsRemoved: 1, MessagesMoved: 3, UniqueIndexEnsured: true}, sum)

	require.Len(t, store.sessions, 1)
	assert.NotContains(t, store.sessions, small)
	assert.Equal(t, 10, store.sessions[busy].messages)
	assert.True(t, store.indexEnsured)

	again, err := New(store, quiet()).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, Summary{}, again)
}

func TestRun_BackfillsOwnersThenMerges(t *testing.T) {
	store := newFakeStore()
	orphanClient := uuid.MustParse("00000000-0000-0000-0000-0000000000c2")
	store.clientCoach[client] = &coach
	store.fallback = &admin
	store.add("00000000-0000-0000-0000-000000000001", nil, client, 2, t0)
	store.add("00000000-0000-0000-0000-000000000002", &coach, client, 1, t0)
	store.add("00000000-0000-0000-0000-000000000003", nil, orphanClient, 4, t0)

	sum, err := New(store, quiet()).Run(context.Background(), Options{Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.OwnersFromCoach)
	assert.Equal(t, 1, sum.OwnersFromFallback)
	assert.Equal(t, 1, sum.DuplicateGroups)
	assert.Equal(t, 1, sum.SessionsRemoved)
	assert.Equal(t, 1, sum.MessagesMoved)

	orphan := store.sessions[uuid.MustParse("00000000-0000-0000-0000-000000000003")]
	require.NotNil(t, orphan.owner)
	assert.Equal(t, admin, *orphan.owner)
}

func TestRun_LateOwnerlessSessionMergesIntoOwnedOne(t *testing.T) {
	store := newFakeStore()
	store.fallback = &admin
	first := store.add("00000000-0000-0000-0000-000000000001", nil, client, 2, t0)

	sum, err := New(store, quiet()).Run(context.Background(), Options{EnforceUniqueIndex: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.OwnersFromFallback)
	require.True(t, store.indexEnsured)

	// An ownerless session written after the index exists must not become a
	// second live session for (admin, client).
	store.add("00000000-0000-0000-0000-000000000002", nil, client, 1, t0.Add(time.Hour))
	sum, err = New(store, quiet()).Run(context.Background(), Options{EnforceUniqueIndex: true})
	require.NoError(t, err)
	assert.Equal(t, Summary{OwnersFromFallback: 1, DuplicateGroups: 1, SessionsRemoved: 1, MessagesMoved: 1, UniqueIndexEnsured: true}, sum)
	require.Len(t, store.sessions, 1)
	assert.Equal(t, 3, store.sessions[first].messages)

	again, err := New(store, quiet()).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, Summary{}, again)
}

func TestRun_NoFallbackIsIntegrityError(t *testing.T) {
	store := newFakeStore()
	store.add("00000000-0000-0000-0000-000000000001", nil, client, 2, t0)

	_, err := New(store, quiet()).Run(context.Background(), Options{})
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "backfill", ie.Phase)
	assert.Zero(t, store.writes)
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	store := newFakeStore()
	store.add("00000000-0000-0000-0000-000000000001", &coach, client, 3, t0)
	store.add("00000000-0000-0000-0000-000000000002", &coach, client, 7, t0)
	store.add("00000000-0000-0000-0000-000000000003", &coach, client, 0, t0)

	sum, err := New(store, quiet()).Run(context.Background(), Options{DryRun: true, EnforceUniqueIndex: true})
	require.NoError(t, err)
	assert.Equal(t, Summary{DuplicateGroups: 1, SessionsRemoved: 2, MessagesMoved: 3, DryRun: true}, sum)
	assert.Zero(t, store.writes)
	assert.Len(t, store.sessions, 3)
	assert.False(t, store.indexEnsured)
}

func TestRun_MergeFailurePropagates(t *testing.T) {
	store := newFakeStore()
	store.add("00000000-0000-0000-0000-000000000001", &coach, client, 3, t0)
	store.add("00000000-0000-0000-0000-000000000002", &coach, client, 7, t0)
	boom := errors.New("serialization failure")
	store.mergeErr = boom

	_, err := New(store, quiet()).Run(context.Background(), Options{EnforceUniqueIndex: true})
	assert.ErrorIs(t, err, boom)
	assert.False(t, store.indexEnsured)
}

func TestCanonical(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	b := uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	c := uuid.MustParse("00000000-0000-0000-0000-00000000000c")

	tests := []struct {
		name     string
		sessions []storage.SessionStats
		want     uuid.UUID
		losers   []uuid.UUID
	}{
		{
			name:     "most messages wins",
			sessions: []storage.SessionStats{{ID: a, MessageCount: 3}, {ID: b, MessageCount: 7}},
			want:     b,
			losers:   []uuid.UUID{a},
		},
		{
			name: "tie on count, newest wins",
			sessions: []storage.SessionStats{
				{ID: a, MessageCount: 5, UpdatedAt: t0},
				{ID: c, MessageCount: 5, UpdatedAt: t0.Add(time.Minute)},
				{ID: b, MessageCount: 1, UpdatedAt: t0.Add(time.Hour)},
			},
			want:   c,
			losers: []uuid.UUID{a, b},
		},
		{
			name:     "full tie, smallest id wins",
			sessions: []storage.SessionStats{{ID: c, UpdatedAt: t0}, {ID: a, UpdatedAt: t0}, {ID: b, UpdatedAt: t0}},
			want:     a,
			losers:   []uuid.UUID{b, c},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			canonical, losers := Canonical(tt.sessions)
			assert.Equal(t, tt.want, canonical.ID)
			var ids []uuid.UUID
			for _, l := range losers {
				ids = append(ids, l.ID)
			}
			assert.Equal(t, tt.losers, ids)
		})
	}
}
