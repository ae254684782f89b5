package identity

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// StrategyUnresolved names the fallback where the input is used as is.
const StrategyUnresolved = "unresolved"

var (
	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordstore_identity_resolutions_total",
		Help: "Identity resolutions by the strategy that produced the answer.",
	}, []string{"strategy"})
	lookupErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordstore_identity_lookup_errors_total",
		Help: "Lookup failures swallowed during identity resolution.",
	}, []string{"lookup"})
)

// Resolution is the outcome of resolving a raw reference. When Resolved is
// false, Canonical equals Input and callers fall back to legacy matching.
type Resolution struct {
	Input     string `json:"input"`
	Canonical string `json:"canonical"`
	Kind      Kind   `json:"kind"`
	Resolved  bool   `json:"resolved"`
	Strategy  string `json:"strategy"`
}

// Strategy is one step of the resolution order. It returns the canonical
// token and true on a hit.
type Strategy struct {
	Name    string
	Resolve func(ctx context.Context, l *Lookup) (string, bool)
}

// Lookup carries the parsed reference through the strategies and memoizes
// the profile lookup so it runs at most once per resolution.
type Lookup struct {
	Ref Reference

	profiles ProfileLookup
	users    UserLookup
	log      zerolog.Logger

	profileLoaded bool
	profile       *PatientProfile
}

// Profile returns the patient profile keyed by the reference's store id,
// or nil when there is none or the lookup failed.
func (l *Lookup) Profile(ctx context.Context) *PatientProfile {
	if l.profileLoaded {
		return l.profile
	}
	l.profileLoaded = true
	p, err := l.profiles.FindByStoreID(ctx, l.Ref.Value)
	if err != nil {
		l.swallow("patient_profile", l.Ref.Value, err)
		return nil
	}
	l.profile = p
	return p
}

// UserToken returns the external token of the user with store id id.
func (l *Lookup) UserToken(ctx context.Context, id string) (string, bool) {
	u, err := l.users.FindByStoreID(ctx, id)
	if err != nil {
		l.swallow("user", id, err)
		return "", false
	}
	return u.token()
}

func (l *Lookup) swallow(lookup, id string, err error) {
	if errors.Is(err, ErrNotFound) {
		return
	}
	lookupErrorsTotal.WithLabelValues(lookup).Inc()
	l.log.Warn().Err(err).Str("lookup", lookup).Str("ref", id).
		Msg("identity lookup failed, continuing with next strategy")
}

// DefaultStrategies is the fixed resolution order.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "external_token", Resolve: func(_ context.Context, l *Lookup) (string, bool) {
			return l.Ref.Value, l.Ref.Kind == KindExternalToken
		}},
		{Name: "profile_token", Resolve: func(ctx context.Context, l *Lookup) (string, bool) {
			if l.Ref.Kind != KindStoreID {
				return "", false
			}
			if p := l.Profile(ctx); p != nil {
				return p.token()
			}
			return "", false
		}},
		{Name: "profile_user_ref", Resolve: func(ctx context.Context, l *Lookup) (string, bool) {
			if l.Ref.Kind != KindStoreID {
				return "", false
			}
			p := l.Profile(ctx)
			if p == nil {
				return "", false
			}
			ref, ok := p.secondaryRef()
			if !ok {
				return "", false
			}
			return l.UserToken(ctx, ref)
		}},
		{Name: "user_store_id", Resolve: func(ctx context.Context, l *Lookup) (string, bool) {
			if l.Ref.Kind != KindStoreID || l.Profile(ctx) != nil {
				return "", false
			}
			return l.UserToken(ctx, l.Ref.Value)
		}},
	}
}

// Resolver maps caller-supplied patient references to canonical identifiers.
type Resolver struct {
	profiles    ProfileLookup
	users       UserLookup
	tokenPrefix string
	strategies  []Strategy
	log         zerolog.Logger
}

func NewResolver(profiles ProfileLookup, users UserLookup, tokenPrefix string, log zerolog.Logger) *Resolver {
	if tokenPrefix == "" {
		tokenPrefix = DefaultTokenPrefix
	}
	return &Resolver{
		profiles:    profiles,
		users:       users,
		tokenPrefix: tokenPrefix,
		strategies:  DefaultStrategies(),
		log:         log.With().Str("component", "identity_resolver").Logger(),
	}
}

// Parse classifies raw using the configured token prefix.
func (r *Resolver) Parse(raw string) Reference {
	return Parse(raw, r.tokenPrefix)
}

// Resolve never fails: lookup errors degrade to an Unresolved result that
// carries the input unchanged.
func (r *Resolver) Resolve(ctx context.Context, raw string) Resolution {
	ref := r.Parse(raw)
	res := Resolution{Input: raw, Canonical: raw, Kind: ref.Kind, Strategy: StrategyUnresolved}
	if raw == "" {
		return res
	}

	l := &Lookup{Ref: ref, profiles: r.profiles, users: r.users, log: r.log}
	for _, s := range r.strategies {
		if canonical, ok := s.Resolve(ctx, l); ok {
			res.Canonical = canonical
			res.Resolved = true
			res.Strategy = s.Name
			break
		}
	}

	resolutionsTotal.WithLabelValues(res.Strategy).Inc()
	return res
}

// User looks up the account behind a canonical token.
func (r *Resolver) User(ctx context.Context, token string) (*User, error) {
	return r.users.FindByExternalToken(ctx, token)
}
