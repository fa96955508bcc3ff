package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/goccy/go-json"

	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
)

// bleveCard is the flattened form indexed by bleve. Raw holds the full
// Document as JSON and is stored but not indexed.
type bleveCard struct {
	ParticipantID  string   `json:"participant_id"`
	Names          []string `json:"names"`
	Country        []string `json:"country"`
	DocumentTypes  []string `json:"document_types"`
	Content        string   `json:"content"`
	OwnerID        string   `json:"owner_id"`
	RequestingHost string   `json:"requesting_host"`
	Raw            string   `json:"raw"`
}

// BleveStore is the default Store, one bleve document per participant.
type BleveStore struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
	logger *slog.Logger
}

var _ Store = (*BleveStore)(nil)

// NewBleveStore opens or creates a bleve index at path. An empty path
// creates an in-memory index. A corrupt on-disk index is cleared and
// recreated; cards are re-fetched on the next change request.
func NewBleveStore(path string, logger *slog.Logger) (*BleveStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := cardMapping()

	var (
		idx bleve.Index
		err error
	)
	if path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		if verr := validateBleveIndex(path); verr != nil {
			logger.Warn("card_index_corrupted", slog.String("path", path), slog.String("error", verr.Error()))
			if rerr := os.RemoveAll(path); rerr != nil {
				return nil, cierrors.New(cierrors.ErrCodeCorruptIndex,
					fmt.Sprintf("card index corrupted at %s and cannot be removed", path), rerr)
			}
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, m)
		} else if err != nil && isBleveCorruption(err) {
			logger.Warn("card_index_open_failed", slog.String("path", path), slog.String("error", err.Error()))
			if rerr := os.RemoveAll(path); rerr != nil {
				return nil, cierrors.New(cierrors.ErrCodeCorruptIndex, "card index corrupted", rerr)
			}
			idx, err = bleve.New(path, m)
		}
	}
	if err != nil {
		return nil, cierrors.New(cierrors.ErrCodeStorageFailed, "failed to open card index", err)
	}

	return &BleveStore{index: idx, path: path, logger: logger}, nil
}

func cardMapping() *mapping.IndexMappingImpl {
	keyword := bleve.NewKeywordFieldMapping()
	text := bleve.NewTextFieldMapping()

	raw := bleve.NewTextFieldMapping()
	raw.Index = false
	raw.Store = true
	raw.IncludeInAll = false

	card := bleve.NewDocumentMapping()
	card.AddFieldMappingsAt("participant_id", keyword)
	card.AddFieldMappingsAt("names", text)
	card.AddFieldMappingsAt("country", keyword)
	card.AddFieldMappingsAt("document_types", keyword)
	card.AddFieldMappingsAt("content", text)
	card.AddFieldMappingsAt("owner_id", keyword)
	card.AddFieldMappingsAt("requesting_host", keyword)
	card.AddFieldMappingsAt("raw", raw)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = card
	m.DefaultField = "content"
	return m
}

// validateBleveIndex checks index_meta.json before bleve.Open sees it.
func validateBleveIndex(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(path, "index_meta.json"))
	if err != nil {
		return fmt.Errorf("index_meta.json unreadable: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func isBleveCorruption(err error) bool {
	if err == bleve.ErrorIndexMetaCorrupt {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment")
}

// CreateOrUpdate implements Store.
func (b *BleveStore) CreateOrUpdate(ctx context.Context, card *BusinessCard, meta Metadata) error {
	if card == nil || card.ParticipantID == "" {
		return cierrors.New(cierrors.ErrCodeCardInvalid, "business card has no participant", nil)
	}

	raw, err := json.Marshal(Document{Card: *card, Metadata: meta})
	if err != nil {
		return cierrors.New(cierrors.ErrCodeCardInvalid, "failed to encode business card", err)
	}
	doc := bleveCard{
		ParticipantID:  card.ParticipantID,
		Names:          card.Names(),
		Country:        card.Countries(),
		DocumentTypes:  card.DocumentTypes,
		Content:        card.SearchText(),
		OwnerID:        meta.OwnerID,
		RequestingHost: meta.RequestingHost,
		Raw:            string(raw),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed()
	}
	if err := b.index.Index(card.ParticipantID, doc); err != nil {
		return cierrors.New(cierrors.ErrCodeStorageFailed, "failed to index business card", err).
			WithDetail("participant", card.ParticipantID)
	}
	return nil
}

// Delete implements Store.
func (b *BleveStore) Delete(ctx context.Context, participantID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed()
	}
	if err := b.index.Delete(participantID); err != nil {
		return cierrors.New(cierrors.ErrCodeStorageFailed, "failed to delete business card", err).
			WithDetail("participant", participantID)
	}
	return nil
}

// Get implements Store.
func (b *BleveStore) Get(ctx context.Context, participantID string) (*Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errClosed()
	}

	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{participantID}))
	req.Fields = []string{"raw"}
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, cierrors.New(cierrors.ErrCodeStorageFailed, "failed to read business card", err)
	}
	if len(res.Hits) == 0 {
		return nil, notFound(participantID)
	}
	return decodeRaw(res.Hits[0].Fields["raw"])
}

// Search implements Store. The query uses bleve query-string syntax,
// so `country:BE names:acme` works alongside plain terms.
func (b *BleveStore) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return []SearchResult{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errClosed()
	}

	req := bleve.NewSearchRequest(bleve.NewQueryStringQuery(query))
	req.Size = limit
	req.Fields = []string{"raw"}
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, cierrors.New(cierrors.ErrCodeInvalidQuery, "search failed", err).
			WithDetail("query", query)
	}

	results := make([]SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		r := SearchResult{ParticipantID: hit.ID, Score: hit.Score}
		if doc, err := decodeRaw(hit.Fields["raw"]); err == nil {
			r.Names = doc.Card.Names()
			r.Countries = doc.Card.Countries()
		}
		results = append(results, r)
	}
	return results, nil
}

// Count implements Store.
func (b *BleveStore) Count(ctx context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, errClosed()
	}
	n, err := b.index.DocCount()
	if err != nil {
		return 0, cierrors.New(cierrors.ErrCodeStorageFailed, "failed to count documents", err)
	}
	return int(n), nil
}

// Close implements Store. Safe to call more than once.
func (b *BleveStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

func decodeRaw(v any) (*Document, error) {
	s, ok := v.(string)
	if !ok {
		return nil, cierrors.New(cierrors.ErrCodeFileCorrupt, "stored card has no raw document", nil)
	}
	var doc Document
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, cierrors.New(cierrors.ErrCodeFileCorrupt, "stored card is corrupt", err)
	}
	return &doc, nil
}

func errClosed() error {
	return cierrors.New(cierrors.ErrCodeStorageFailed, "card index is closed", nil)
}

func notFound(participantID string) error {
	return cierrors.New(cierrors.ErrCodeCardNotFound, "no business card stored for participant", nil).
		WithDetail("participant", participantID)
}
