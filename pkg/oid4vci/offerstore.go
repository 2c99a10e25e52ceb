package oid4vci

import (
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/openvcx/exchanger/pkg/errors"
)

// DefaultOfferTTL bounds how long a by-reference offer stays retrievable.
// Offers die with their exchange anyway; this only caps the index entry.
const DefaultOfferTTL = 15 * time.Minute

// OfferStore indexes credential offers for by-reference retrieval at the
// credential_offer_uri endpoint. Entries expire on their own.
type OfferStore struct {
	cache *ttlcache.Cache[string, *Offer]
}

// NewOfferStore creates an offer store. Call Close when done.
func NewOfferStore(ttl time.Duration) *OfferStore {
	if ttl <= 0 {
		ttl = DefaultOfferTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Offer](ttl),
		ttlcache.WithDisableTouchOnHit[string, *Offer](),
	)
	go cache.Start()
	return &OfferStore{cache: cache}
}

// Put stores an offer and returns its retrieval id.
func (s *OfferStore) Put(offer *Offer) string {
	id := uuid.NewString()
	s.cache.Set(id, offer, ttlcache.DefaultTTL)
	return id
}

// Get returns a stored offer; expired or unknown ids surface as
// NotFoundError.
func (s *OfferStore) Get(id string) (*Offer, error) {
	item := s.cache.Get(id)
	if item == nil {
		return nil, errors.NewNotFoundError("credential offer not found", nil)
	}
	return item.Value(), nil
}

// Close stops the expiry loop.
func (s *OfferStore) Close() {
	s.cache.Stop()
}
