package policy

import (
	"errors"
	"math/big"
	"time"

	"bithedge/crypto"
	nativecommon "bithedge/native/common"
	"bithedge/native/fixedpoint"
	"bithedge/native/pool"
)

var (
	errNilState = errors.New("policy store: state not configured")

	ErrPolicyNotFound    = errors.New("policy store: policy not found")
	ErrInvalidOwner      = errors.New("policy store: owner address required")
	ErrInvalidKind       = errors.New("policy store: kind must be PUT or CALL")
	ErrInvalidAmount     = errors.New("policy store: amount must be positive")
	ErrInvalidTier       = errors.New("policy store: invalid risk tier")
	ErrInvalidExpiry     = errors.New("policy store: expiration boundary must be in the future")
	ErrPremiumBounds     = errors.New("policy store: premium outside configured bounds")
	ErrDuplicatePolicy   = errors.New("policy store: policy id already exists")
	ErrInvalidTransition = errors.New("policy store: invalid status transition")
	ErrAlreadyTerminal   = errors.New("policy store: policy already settled or expired")
	ErrNotYetExpired     = errors.New("policy store: expiration boundary not reached")
	ErrPremiumHandled    = errors.New("policy store: premium already distributed")
	ErrNotExpiredStatus  = errors.New("policy store: premium distribution requires expired status")
)

// DefaultMaxPremiumBps caps premiums at 25% of notional unless configured
// otherwise.
const DefaultMaxPremiumBps = 2_500

const moduleName = "policy"

type storeState interface {
	// PolicyReserveID increments and returns the monotonic policy counter.
	PolicyReserveID() (uint64, error)
	PolicyGet(id uint64) (*Policy, bool, error)
	PolicyPut(policy *Policy) error
	PolicyIndexAdd(boundary, id uint64) error
	// PolicyIDsExpiringAt returns the ids indexed at one boundary in
	// ascending order.
	PolicyIDsExpiringAt(boundary uint64) ([]uint64, error)
	// PolicyBoundaries returns, in ascending order, every indexed boundary
	// not greater than max.
	PolicyBoundaries(max uint64) ([]uint64, error)
}

// CreateParams carries the validated inputs for a new policy.
type CreateParams struct {
	Owner     crypto.Address
	Kind      Kind
	Token     string
	Strike    *big.Int
	Notional  *big.Int
	Premium   *big.Int
	Tier      pool.Tier
	ExpiresAt uint64
}

// Store owns policy records, the monotonic id counter and the expiration
// index. Collateral never moves through the store; the orchestration layer
// reserves it before a record is written.
type Store struct {
	state         storeState
	pauses        nativecommon.PauseView
	nowFn         func() int64
	boundaryFn    func() uint64
	maxPremiumBps uint32
}

// NewStore creates a policy store with the default premium bounds.
func NewStore() *Store {
	return &Store{
		nowFn:         func() int64 { return time.Now().Unix() },
		maxPremiumBps: DefaultMaxPremiumBps,
	}
}

// SetState configures the state backend used by the store.
func (s *Store) SetState(state storeState) { s.state = state }

func (s *Store) SetPauses(p nativecommon.PauseView) {
	if s == nil {
		return
	}
	s.pauses = p
}

// SetNowFunc overrides the wall-clock source, primarily for tests.
func (s *Store) SetNowFunc(now func() int64) {
	if now == nil {
		s.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	s.nowFn = now
}

// SetBoundaryFunc wires the expiration clock used to validate expiries.
func (s *Store) SetBoundaryFunc(fn func() uint64) {
	s.boundaryFn = fn
}

// SetMaxPremiumBps adjusts the premium ceiling as a share of notional. Zero
// restores the default.
func (s *Store) SetMaxPremiumBps(bps uint32) {
	if bps == 0 {
		s.maxPremiumBps = DefaultMaxPremiumBps
		return
	}
	s.maxPremiumBps = bps
}

func (s *Store) now() int64 {
	if s == nil || s.nowFn == nil {
		return time.Now().Unix()
	}
	return s.nowFn()
}

func (s *Store) currentBoundary() uint64 {
	if s == nil || s.boundaryFn == nil {
		return 0
	}
	return s.boundaryFn()
}

// ValidateParams normalises and checks creation inputs without touching
// state. It returns the canonical token symbol.
func (s *Store) ValidateParams(params CreateParams) (string, error) {
	if params.Owner.IsZero() {
		return "", ErrInvalidOwner
	}
	if !params.Kind.Valid() {
		return "", ErrInvalidKind
	}
	token, err := pool.NormalizeToken(params.Token)
	if err != nil {
		return "", err
	}
	if params.Strike == nil || params.Strike.Sign() <= 0 {
		return "", ErrInvalidAmount
	}
	if params.Notional == nil || params.Notional.Sign() <= 0 {
		return "", ErrInvalidAmount
	}
	if params.Premium == nil || params.Premium.Sign() <= 0 {
		return "", ErrInvalidAmount
	}
	if !params.Tier.Valid() {
		return "", ErrInvalidTier
	}
	if params.ExpiresAt == 0 || params.ExpiresAt <= s.currentBoundary() {
		return "", ErrInvalidExpiry
	}
	ceiling, err := fixedpoint.BpsOf(params.Notional, s.maxPremiumBps)
	if err != nil {
		return "", err
	}
	if params.Premium.Cmp(ceiling) > 0 {
		return "", ErrPremiumBounds
	}
	return token, nil
}

// ReserveID mints the next policy identifier. Identifiers are assigned
// before collateral allocation so allocation records can reference them; an
// id burned by a failed creation is never reused.
func (s *Store) ReserveID() (uint64, error) {
	if s == nil || s.state == nil {
		return 0, errNilState
	}
	return s.state.PolicyReserveID()
}

// Create persists a new active policy under a previously reserved id and
// indexes it by expiration boundary.
func (s *Store) Create(id uint64, params CreateParams) (*Policy, error) {
	if s == nil || s.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(s.pauses, moduleName); err != nil {
		return nil, err
	}
	token, err := s.ValidateParams(params)
	if err != nil {
		return nil, err
	}
	if _, exists, err := s.state.PolicyGet(id); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrDuplicatePolicy
	}

	record := &Policy{
		ID:                 id,
		Owner:              params.Owner,
		Kind:               params.Kind,
		Token:              token,
		Strike:             fixedpoint.Clone(params.Strike),
		Notional:           fixedpoint.Clone(params.Notional),
		Premium:            fixedpoint.Clone(params.Premium),
		Tier:               params.Tier,
		RequiredCollateral: fixedpoint.Clone(params.Notional),
		CreatedAt:          s.now(),
		ExpiresAt:          params.ExpiresAt,
		Status:             StatusActive,
	}
	if err := s.state.PolicyPut(record); err != nil {
		return nil, err
	}
	if err := s.state.PolicyIndexAdd(record.ExpiresAt, record.ID); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// Get returns a copy of the policy record.
func (s *Store) Get(id uint64) (*Policy, error) {
	if s == nil || s.state == nil {
		return nil, errNilState
	}
	record, ok, err := s.state.PolicyGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return record.Clone(), nil
}

// ExpiringAt returns copies of the policies indexed at a boundary in
// ascending id order, regardless of status.
func (s *Store) ExpiringAt(boundary uint64) ([]*Policy, error) {
	if s == nil || s.state == nil {
		return nil, errNilState
	}
	ids, err := s.state.PolicyIDsExpiringAt(boundary)
	if err != nil {
		return nil, err
	}
	out := make([]*Policy, 0, len(ids))
	for _, id := range ids {
		record, ok, err := s.state.PolicyGet(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrPolicyNotFound
		}
		out = append(out, record.Clone())
	}
	return out, nil
}

// Boundaries lists indexed boundaries not greater than max, oldest first.
// Settlement uses it to catch up after downtime.
func (s *Store) Boundaries(max uint64) ([]uint64, error) {
	if s == nil || s.state == nil {
		return nil, errNilState
	}
	return s.state.PolicyBoundaries(max)
}

func (s *Store) loadActive(id uint64, atBoundary uint64) (*Policy, error) {
	record, ok, err := s.state.PolicyGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPolicyNotFound
	}
	if record.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	if record.Status != StatusActive {
		return nil, ErrInvalidTransition
	}
	if atBoundary < record.ExpiresAt {
		return nil, ErrNotYetExpired
	}
	return record, nil
}

// MarkSettled transitions an active policy to Settled, recording the
// boundary price and the payout.
func (s *Store) MarkSettled(id uint64, atBoundary uint64, price, payout *big.Int) (*Policy, error) {
	if s == nil || s.state == nil {
		return nil, errNilState
	}
	if price == nil || price.Sign() <= 0 || payout == nil || payout.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	record, err := s.loadActive(id, atBoundary)
	if err != nil {
		return nil, err
	}
	record.Status = StatusSettled
	record.SettledAt = atBoundary
	record.SettlementPrice = fixedpoint.Clone(price)
	record.SettlementAmount = fixedpoint.Clone(payout)
	if err := s.state.PolicyPut(record); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// MarkExpired transitions an active policy to Expired with a zero payout.
func (s *Store) MarkExpired(id uint64, atBoundary uint64, price *big.Int) (*Policy, error) {
	if s == nil || s.state == nil {
		return nil, errNilState
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	record, err := s.loadActive(id, atBoundary)
	if err != nil {
		return nil, err
	}
	record.Status = StatusExpired
	record.SettledAt = atBoundary
	record.SettlementPrice = fixedpoint.Clone(price)
	record.SettlementAmount = fixedpoint.Zero()
	if err := s.state.PolicyPut(record); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// MarkPremiumDistributed flags an expired policy's premium as paid out to
// its providers. Settled policies keep the flag unset because their premium
// stays in the reserve vault.
func (s *Store) MarkPremiumDistributed(id uint64) (*Policy, error) {
	if s == nil || s.state == nil {
		return nil, errNilState
	}
	record, ok, err := s.state.PolicyGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPolicyNotFound
	}
	if record.Status != StatusExpired {
		return nil, ErrNotExpiredStatus
	}
	if record.PremiumDistributed {
		return nil, ErrPremiumHandled
	}
	record.PremiumDistributed = true
	if err := s.state.PolicyPut(record); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}
