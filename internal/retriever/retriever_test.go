package retriever

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/medrag-server/internal/storage"
)

// fakeStore returns canned matches and ignores the filter unless honor is set.
type fakeStore struct {
	matches []storage.Match
	err     error
	panics  bool
	block   bool
	honor   bool

	gotK      int
	gotFilter storage.Filter
}

func (s *fakeStore) Add(context.Context, []string, []string, []map[string]any) error { return nil }

func (s *fakeStore) Query(ctx context.Context, _ string, k int, f storage.Filter) ([]storage.Match, error) {
	s.gotK, s.gotFilter = k, f
	if s.panics {
		panic("driver bug")
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	if !s.honor {
		return s.matches, nil
	}
	var out []storage.Match
	for _, m := range s.matches {
		id, _ := m.Metadata[storage.KeyDocumentID].(string)
		if f.Matches(id) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) Health(context.Context) error { return nil }
func (s *fakeStore) Close() error                 { return nil }

func match(id, doc string) storage.Match {
	md := map[string]any{}
	if doc != "" {
		md[storage.KeyDocumentID] = doc
	}
	return storage.Match{ID: id, Content: "content of " + id, Metadata: md}
}

func TestSearch_DefaultsToTopThree(t *testing.T) {
	store := &fakeStore{matches: []storage.Match{
		match("a_0", "a"), match("a_1", "a"), match("a_2", "a"), match("a_3", "a"),
	}}
	r := New(store, 0, 0, nil)

	res := r.Search(context.Background(), "bp", nil, 0)
	require.NoError(t, res.Err)
	assert.Equal(t, DefaultTopK, store.gotK)
	assert.Len(t, res.Chunks, 3)
}

func TestSearch_PushesDownAndRechecksFilter(t *testing.T) {
	store := &fakeStore{matches: []storage.Match{
		match("a_0", "a"), match("x_0", "x"), match("b_0", "b"),
	}}
	r := New(store, 3, time.Second, nil)

	res := r.Search(context.Background(), "bp", []string{"a", "b"}, 3)
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"a", "b"}, store.gotFilter.DocumentIDs)

	require.Len(t, res.Chunks, 2)
	for _, c := range res.Chunks {
		assert.Contains(t, []string{"a", "b"}, c.DocumentID)
	}
}

func TestSearch_FilterWithHonoringStore(t *testing.T) {
	store := &fakeStore{honor: true, matches: []storage.Match{
		match("a_0", "a"), match("b_0", "b"), match("c_0", "c"),
	}}
	r := New(store, 3, time.Second, nil)

	res := r.Search(context.Background(), "q", []string{"c"}, 5)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "c_0", res.Chunks[0].ID)
	assert.Equal(t, "content of c_0", res.Chunks[0].Content)
}

func TestSearch_MissingDocumentIDIsUnknown(t *testing.T) {
	store := &fakeStore{matches: []storage.Match{match("orphan", "")}}
	r := New(store, 3, time.Second, nil)

	res := r.Search(context.Background(), "q", nil, 0)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, UnknownDocument, res.Chunks[0].DocumentID)
}

func TestSearch_FailsOpen(t *testing.T) {
	cause := errors.New("collection missing")
	r := New(&fakeStore{err: cause}, 3, time.Second, nil)

	res := r.Search(context.Background(), "q", []string{"a"}, 0)
	assert.Empty(t, res.Chunks)
	assert.ErrorIs(t, res.Err, ErrRetrieval)
	assert.ErrorIs(t, res.Err, cause)
}

func TestSearch_RecoversPanic(t *testing.T) {
	r := New(&fakeStore{panics: true}, 3, time.Second, nil)

	res := r.Search(context.Background(), "q", nil, 0)
	assert.Empty(t, res.Chunks)
	assert.ErrorIs(t, res.Err, ErrRetrieval)
}

func TestSearch_Timeout(t *testing.T) {
	r := New(&fakeStore{block: true}, 3, 20*time.Millisecond, nil)

	start := time.Now()
	res := r.Search(context.Background(), "q", nil, 0)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, res.Err, ErrRetrieval)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}
