package provider

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
)

// DefaultScheme is assumed for participant identifiers without a "scheme::" prefix.
const DefaultScheme = "iso6523-actorid-upis"

// Resolver maps a participant to the base URL of the registry that
// publishes its business card.
type Resolver interface {
	Resolve(ctx context.Context, participantID string) (string, error)
}

// StaticResolver sends every participant to the same registry.
type StaticResolver struct {
	BaseURL string
}

// Resolve implements Resolver.
func (s StaticResolver) Resolve(_ context.Context, _ string) (string, error) {
	return strings.TrimRight(s.BaseURL, "/"), nil
}

// LookupFunc resolves a hostname. net.DefaultResolver.LookupHost fits.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// SMLResolver locates a participant's registry through DNS: the hostname
// is "B-" + md5(lowercase value) + "." + scheme + "." + zone, and the
// registry is served over HTTP on that hostname. Resolved hostnames are
// cached with a TTL.
type SMLResolver struct {
	zone   string
	lookup LookupFunc
	cache  *expirable.LRU[string, string]
}

// NewSMLResolver creates a resolver for zone. lookup defaults to the
// system resolver.
func NewSMLResolver(zone string, cacheSize int, ttl time.Duration, lookup LookupFunc) *SMLResolver {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SMLResolver{
		zone:   strings.Trim(zone, "."),
		lookup: lookup,
		cache:  expirable.NewLRU[string, string](cacheSize, nil, ttl),
	}
}

// Hostname returns the DNS name the participant is published under.
func (r *SMLResolver) Hostname(participantID string) string {
	scheme, value := SplitParticipant(participantID)
	sum := md5.Sum([]byte(strings.ToLower(value)))
	return "B-" + hex.EncodeToString(sum[:]) + "." + scheme + "." + r.zone
}

// Resolve implements Resolver.
func (r *SMLResolver) Resolve(ctx context.Context, participantID string) (string, error) {
	if base, ok := r.cache.Get(participantID); ok {
		return base, nil
	}

	host := r.Hostname(participantID)
	addrs, err := r.lookup(ctx, host)
	if err != nil {
		// NXDOMAIN: the participant is not registered (yet).
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return "", cierrors.New(cierrors.ErrCodeCardNotFound, "participant is not registered in the SML", err).
				WithDetail("participant", participantID).
				WithDetail("host", host)
		}
		return "", cierrors.NetworkError("SML lookup failed", err).WithDetail("host", host)
	}
	if len(addrs) == 0 {
		return "", cierrors.New(cierrors.ErrCodeCardNotFound, "SML lookup returned no addresses", nil).
			WithDetail("host", host)
	}

	base := fmt.Sprintf("http://%s", host)
	r.cache.Add(participantID, base)
	return base, nil
}

// Forget drops a cached resolution, e.g. after the registry moved.
func (r *SMLResolver) Forget(participantID string) {
	r.cache.Remove(participantID)
}

// SplitParticipant splits "scheme::value". Identifiers without a scheme
// get DefaultScheme.
func SplitParticipant(participantID string) (scheme, value string) {
	if s, v, ok := strings.Cut(participantID, "::"); ok && s != "" {
		return strings.ToLower(s), v
	}
	return DefaultScheme, participantID
}
