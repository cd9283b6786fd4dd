package tokenindex

import (
	"context"
	"testing"

	"github.com/franalgaba/alexandria-sub000/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestExtractClassifiesTokenKinds(t *testing.T) {
	text := "run npm with --verbose after fixing E404 and ERR_MODULE_NOT_FOUND in src/utils/helpers.ts, pin node 20.11.1 and rename getUserName"
	tokens := Extract(text)

	byText := map[string]TokenType{}
	for _, tok := range tokens {
		byText[tok.Text] = tok.Type
	}

	require.Equal(t, TypeFlag, byText["--verbose"])
	require.Equal(t, TypeErrorCode, byText["E404"])
	require.Equal(t, TypeErrorCode, byText["ERR_MODULE_NOT_FOUND"])
	require.Equal(t, TypePath, byText["src/utils/helpers.ts"])
	require.Equal(t, TypeVersion, byText["20.11.1"])
	require.Equal(t, TypeIdentifier, byText["getUserName"])
	require.Equal(t, TypeCommand, byText["npm"])
}

func TestExtractDedupesRepeatedTokens(t *testing.T) {
	tokens := Extract("getUserName calls getUserName again")
	var count int
	for _, tok := range tokens {
		if tok.Text == "getUserName" {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestIndexObjectPurgesOnReindex(t *testing.T) {
	ctx := context.Background()
	idx := New(testutil.OpenDB(t))

	require.NoError(t, idx.IndexObject(ctx, "m1", "use getUserName for lookups"))
	require.NoError(t, idx.IndexObject(ctx, "m1", "use fetchAccountLabel for lookups"))

	matches, err := idx.SearchByToken(ctx, "getUserName")
	require.NoError(t, err)
	require.Empty(t, matches)

	matches, err = idx.SearchByToken(ctx, "fetchAccountLabel")
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, matches)
}

func TestSearchByCamelFragment(t *testing.T) {
	ctx := context.Background()
	idx := New(testutil.OpenDB(t))

	require.NoError(t, idx.IndexObject(ctx, "m1", "getUserName handles the lookup"))
	require.NoError(t, idx.IndexObject(ctx, "m2", "snake_case_helper does something else"))

	matches, err := idx.SearchByCamelFragment(ctx, "user")
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, matches)

	matches, err = idx.SearchByCamelFragment(ctx, "helper")
	require.NoError(t, err)
	require.Equal(t, []string{"m2"}, matches)
}

func TestMatchesFragment(t *testing.T) {
	require.True(t, MatchesFragment("getUserName", "user"))
	require.True(t, MatchesFragment("getUserName", "User"))
	require.False(t, MatchesFragment("getUserName", "use"))
	require.True(t, MatchesFragment("snake_case_helper", "case"))
}

func TestDeleteObjectRemovesTokens(t *testing.T) {
	ctx := context.Background()
	idx := New(testutil.OpenDB(t))

	require.NoError(t, idx.IndexObject(ctx, "m1", "use getUserName everywhere"))
	require.NoError(t, idx.DeleteObject(ctx, "m1"))

	matches, err := idx.SearchByToken(ctx, "getUserName")
	require.NoError(t, err)
	require.Empty(t, matches)
}
