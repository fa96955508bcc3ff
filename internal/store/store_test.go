package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
)

func sampleCard(id, name, country string) *BusinessCard {
	return &BusinessCard{
		ParticipantID: id,
		Entities: []Entity{{
			Names:       []Name{{Name: name, Language: "en"}},
			CountryCode: country,
			Identifiers: []Identifier{{Scheme: "VAT", Value: "BE0123456789"}},
			Websites:    []string{"https://example.org"},
			Contacts:    []Contact{{Type: "sales", Name: "Jo", Email: "jo@example.org"}},
		}},
		DocumentTypes: []string{"invoice"},
	}
}

func sampleMeta() Metadata {
	return Metadata{
		OwnerID:        "admin",
		RequestingHost: "10.0.0.1",
		IndexedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// backends opens each Store implementation in memory.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	b, err := NewBleveStore("", nil)
	require.NoError(t, err)
	s, err := NewSQLiteStore("", 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.Close()
		_ = s.Close()
	})
	return map[string]Store{"bleve": b, "sqlite": s}
}

func TestStore_CreateGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			// Given: a stored card
			require.NoError(t, st.CreateOrUpdate(ctx, sampleCard("9915:acme", "Acme Widgets", "be"), sampleMeta()))

			// When: reading it back
			doc, err := st.Get(ctx, "9915:acme")

			// Then: card and metadata survive
			require.NoError(t, err)
			assert.Equal(t, "9915:acme", doc.Card.ParticipantID)
			assert.Equal(t, []string{"Acme Widgets"}, doc.Card.Names())
			assert.Equal(t, "admin", doc.Metadata.OwnerID)
			assert.True(t, sampleMeta().IndexedAt.Equal(doc.Metadata.IndexedAt))
		})
	}
}

func TestStore_UpdateReplaces(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.CreateOrUpdate(ctx, sampleCard("9915:acme", "Acme Widgets", "BE"), sampleMeta()))
			require.NoError(t, st.CreateOrUpdate(ctx, sampleCard("9915:acme", "Acme Gadgets", "BE"), sampleMeta()))

			n, err := st.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			hits, err := st.Search(ctx, "widgets", 10)
			require.NoError(t, err)
			assert.Empty(t, hits)

			hits, err = st.Search(ctx, "gadgets", 10)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "9915:acme", hits[0].ParticipantID)
		})
	}
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.CreateOrUpdate(ctx, sampleCard("0088:x", "X Corp", "DE"), sampleMeta()))

			require.NoError(t, st.Delete(ctx, "0088:x"))
			require.NoError(t, st.Delete(ctx, "0088:x"))
			require.NoError(t, st.Delete(ctx, "never-stored"))

			_, err := st.Get(ctx, "0088:x")
			assert.Equal(t, cierrors.ErrCodeCardNotFound, cierrors.GetCode(err))

			n, err := st.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestStore_SearchReturnsNamesAndCountries(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.CreateOrUpdate(ctx, sampleCard("p1", "Northwind Traders", "be"), sampleMeta()))
			require.NoError(t, st.CreateOrUpdate(ctx, sampleCard("p2", "Contoso Pharma", "nl"), sampleMeta()))

			hits, err := st.Search(ctx, "northwind", 10)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "p1", hits[0].ParticipantID)
			assert.Equal(t, []string{"Northwind Traders"}, hits[0].Names)
			assert.Equal(t, []string{"BE"}, hits[0].Countries)
			assert.Greater(t, hits[0].Score, 0.0)
		})
	}
}

func TestStore_EmptyQuery(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			hits, err := st.Search(ctx, "   ", 10)
			require.NoError(t, err)
			assert.Empty(t, hits)
		})
	}
}

func TestStore_RejectsCardWithoutParticipant(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := st.CreateOrUpdate(ctx, &BusinessCard{}, sampleMeta())
			assert.Equal(t, cierrors.ErrCodeCardInvalid, cierrors.GetCode(err))
		})
	}
}

func TestStore_ClosedStoreFails(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Close())
			require.NoError(t, st.Close())

			err := st.CreateOrUpdate(ctx, sampleCard("p", "n", "BE"), sampleMeta())
			assert.True(t, cierrors.IsRetryable(err))
		})
	}
}

func TestSQLiteStore_QuotesUserInput(t *testing.T) {
	// FTS5 operators in user input are matched literally, never parsed.
	assert.Equal(t, `"acme" "OR" "x*"`, ftsQuery("acme OR x*"))
	assert.Equal(t, `"say ""hi"""`, ftsQuery(`say "hi"`))
	assert.Equal(t, "", ftsQuery("  "))

	st, err := NewSQLiteStore("", 0, nil)
	require.NoError(t, err)
	defer st.Close()

	_, err = st.Search(context.Background(), `NEAR( "broken`, 5)
	assert.NoError(t, err)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, backend := range []string{BackendBleve, BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(dir, "cards-"+backend)

			st, err := New(Options{Backend: backend, Path: path})
			require.NoError(t, err)
			require.NoError(t, st.CreateOrUpdate(ctx, sampleCard("p1", "Durable Ltd", "IE"), sampleMeta()))
			require.NoError(t, st.Close())

			assert.Equal(t, backend, DetectBackend(path))

			st, err = New(Options{Backend: backend, Path: path})
			require.NoError(t, err)
			defer st.Close()

			doc, err := st.Get(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, []string{"Durable Ltd"}, doc.Card.Names())
		})
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(Options{Backend: "redis"})
	assert.Error(t, err)
	assert.Equal(t, "", DetectBackend(filepath.Join(t.TempDir(), "missing")))
}

func TestBusinessCard_Helpers(t *testing.T) {
	card := &BusinessCard{
		ParticipantID: "9915:multi",
		Entities: []Entity{
			{Names: []Name{{Name: "Alpha"}, {Name: ""}}, CountryCode: "be"},
			{Names: []Name{{Name: "Beta"}}, CountryCode: "BE", GeoInfo: "Brussels"},
			{Names: []Name{{Name: "Gamma"}}, CountryCode: "nl"},
		},
	}

	assert.Equal(t, []string{"Alpha", "Beta", "Gamma"}, card.Names())
	assert.Equal(t, []string{"BE", "NL"}, card.Countries())
	assert.Contains(t, card.SearchText(), "Brussels")
	assert.Contains(t, card.SearchText(), "9915:multi")
}
