package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/franalgaba/alexandria-sub000/internal/testutil"
	"github.com/franalgaba/alexandria-sub000/internal/types"
	"github.com/stretchr/testify/require"
)

func TestCreateGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	s := New(db)

	sess, err := s.Create(ctx, CreateInput{ID: "s1", WorkingDirectory: "/repo", WorkingTask: "fix bug"})
	require.NoError(t, err)
	require.Equal(t, types.DisclosureMinimal, sess.DisclosureLevel)

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "/repo", got.WorkingDirectory)
	require.Empty(t, got.InjectedMemoryIDs)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	s := New(db)

	a, err := s.GetOrCreate(ctx, CreateInput{ID: "s1"})
	require.NoError(t, err)
	b, err := s.GetOrCreate(ctx, CreateInput{ID: "s1"})
	require.NoError(t, err)
	require.Equal(t, a.StartedAt, b.StartedAt)
}

func TestRecordDisclosureExtendsInjectedSet(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	s := New(db)

	_, err := s.Create(ctx, CreateInput{ID: "s1"})
	require.NoError(t, err)
	require.NoError(t, s.RecordError(ctx, "s1"))
	require.NoError(t, s.RecordError(ctx, "s1"))
	require.NoError(t, s.RecordError(ctx, "s1"))

	require.NoError(t, s.RecordDisclosure(ctx, "s1", []string{"m1", "m2"}, types.DisclosureDeep, time.Now(), true))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2"}, got.InjectedMemoryIDs)
	require.Equal(t, types.DisclosureDeep, got.DisclosureLevel)
	require.Zero(t, got.ErrorCount)

	require.NoError(t, s.RecordDisclosure(ctx, "s1", []string{"m2", "m3"}, types.DisclosureDeep, time.Now(), false))
	got, err = s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2", "m3"}, got.InjectedMemoryIDs)
}
