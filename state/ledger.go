// Package state persists pool, policy and settlement records in a key-value
// store. The Ledger is the single state backend the engines share: records
// are stored as JSON under prefixed keys whose zero-padded numeric segments
// keep prefix iteration in ascending record order.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"bithedge/crypto"
	nativecommon "bithedge/native/common"
	"bithedge/native/policy"
	"bithedge/native/pool"
	"bithedge/native/settlement"
	"bithedge/storage"
)

var (
	errNotInitialised = errors.New("state: ledger not initialised")
	errNilRecord      = errors.New("state: nil record")
	errZeroAddress    = errors.New("state: zero address")

	// errStopIteration aborts a prefix scan early once the remaining keys
	// cannot match. It never escapes the ledger.
	errStopIteration = errors.New("state: stop iteration")
)

const (
	providerPrefix = "pool/provider/"
	accountPrefix  = "pool/account/"
	allocPrefix    = "pool/alloc/"
	policySeqKey   = "policy/seq"
	policyPrefix   = "policy/record/"
	expiryPrefix   = "policy/expiry/"
	impactPrefix   = "settle/impact/"
	distPrefix     = "settle/dist/"
	batchPrefix    = "settle/batch/"
	quotaPrefix    = "quota/"
)

// Ledger stores every pool, policy and settlement record in one key-value
// database. Individual methods are safe for concurrent use; multi-step
// operations serialise above the ledger.
type Ledger struct {
	mu sync.RWMutex
	db storage.Database
}

// NewLedger wraps a key-value database in the record store the engines use.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) ready() error {
	if l == nil || l.db == nil {
		return errNotInitialised
	}
	return nil
}

func (l *Ledger) put(key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	return l.db.Put(key, raw)
}

// get decodes the value at key into out. It reports false without error when
// the key does not exist.
func (l *Ledger) get(key []byte, out interface{}) (bool, error) {
	raw, err := l.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

func providerKey(addr crypto.Address) []byte {
	return []byte(providerPrefix + addr.String())
}

func accountKey(token string, addr crypto.Address) []byte {
	return []byte(accountPrefix + token + "/" + addr.String())
}

func allocationKey(policyID uint64, addr crypto.Address) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", allocPrefix, policyID, addr.String()))
}

func allocationScope(policyID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d/", allocPrefix, policyID))
}

func policyKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", policyPrefix, id))
}

func expiryKey(boundary, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d/%020d", expiryPrefix, boundary, id))
}

func impactKey(policyID uint64, seq int) []byte {
	return []byte(fmt.Sprintf("%s%020d/%06d", impactPrefix, policyID, seq))
}

func impactScope(policyID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d/", impactPrefix, policyID))
}

func distributionKey(policyID uint64, seq int) []byte {
	return []byte(fmt.Sprintf("%s%020d/%06d", distPrefix, policyID, seq))
}

func distributionScope(policyID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d/", distPrefix, policyID))
}

func batchKey(boundary uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", batchPrefix, boundary))
}

func quotaKey(addr crypto.Address) []byte {
	return []byte(quotaPrefix + addr.String())
}

// countPrefix returns how many keys carry the prefix. Callers hold the write
// lock so the count stays valid until the subsequent put.
func (l *Ledger) countPrefix(prefix []byte) (int, error) {
	count := 0
	err := l.db.IteratePrefix(prefix, func([]byte, []byte) error {
		count++
		return nil
	})
	return count, err
}

// --- Pool records ---

// PoolGetProvider loads a provider registration.
func (l *Ledger) PoolGetProvider(addr crypto.Address) (*pool.Provider, bool, error) {
	if err := l.ready(); err != nil {
		return nil, false, err
	}
	if addr.IsZero() {
		return nil, false, errZeroAddress
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	record := new(pool.Provider)
	ok, err := l.get(providerKey(addr), record)
	if err != nil || !ok {
		return nil, false, err
	}
	return record, true, nil
}

// PoolPutProvider stores a provider registration keyed by address.
func (l *Ledger) PoolPutProvider(provider *pool.Provider) error {
	if err := l.ready(); err != nil {
		return err
	}
	if provider == nil {
		return errNilRecord
	}
	if provider.Address.IsZero() {
		return errZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.put(providerKey(provider.Address), provider)
}

// PoolGetAccount loads one provider's balances in one token.
func (l *Ledger) PoolGetAccount(addr crypto.Address, token string) (*pool.Account, bool, error) {
	if err := l.ready(); err != nil {
		return nil, false, err
	}
	if addr.IsZero() {
		return nil, false, errZeroAddress
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	record := new(pool.Account)
	ok, err := l.get(accountKey(token, addr), record)
	if err != nil || !ok {
		return nil, false, err
	}
	return record, true, nil
}

// PoolPutAccount stores an account keyed by token and provider address.
func (l *Ledger) PoolPutAccount(account *pool.Account) error {
	if err := l.ready(); err != nil {
		return err
	}
	if account == nil {
		return errNilRecord
	}
	if account.Provider.IsZero() {
		return errZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.put(accountKey(account.Token, account.Provider), account)
}

// PoolListAccounts returns every account holding the token in ascending
// provider address order.
func (l *Ledger) PoolListAccounts(token string) ([]*pool.Account, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var accounts []*pool.Account
	err := l.db.IteratePrefix([]byte(accountPrefix+token+"/"), func(_, value []byte) error {
		record := new(pool.Account)
		if err := json.Unmarshal(value, record); err != nil {
			return fmt.Errorf("state: decode account: %w", err)
		}
		accounts = append(accounts, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// PoolPutAllocation stores an allocation keyed by policy id and provider.
func (l *Ledger) PoolPutAllocation(allocation *pool.Allocation) error {
	if err := l.ready(); err != nil {
		return err
	}
	if allocation == nil {
		return errNilRecord
	}
	if allocation.Provider.IsZero() {
		return errZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.put(allocationKey(allocation.PolicyID, allocation.Provider), allocation)
}

// PoolGetAllocation loads one provider's allocation for one policy.
func (l *Ledger) PoolGetAllocation(policyID uint64, provider crypto.Address) (*pool.Allocation, bool, error) {
	if err := l.ready(); err != nil {
		return nil, false, err
	}
	if provider.IsZero() {
		return nil, false, errZeroAddress
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	record := new(pool.Allocation)
	ok, err := l.get(allocationKey(policyID, provider), record)
	if err != nil || !ok {
		return nil, false, err
	}
	return record, true, nil
}

// PoolAllocationsByPolicy returns a policy's allocations in ascending
// provider address order.
func (l *Ledger) PoolAllocationsByPolicy(policyID uint64) ([]*pool.Allocation, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var allocations []*pool.Allocation
	err := l.db.IteratePrefix(allocationScope(policyID), func(_, value []byte) error {
		record := new(pool.Allocation)
		if err := json.Unmarshal(value, record); err != nil {
			return fmt.Errorf("state: decode allocation: %w", err)
		}
		allocations = append(allocations, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return allocations, nil
}

// --- Policy records ---

// PolicyReserveID increments and returns the monotonic policy counter.
func (l *Ledger) PolicyReserveID() (uint64, error) {
	if err := l.ready(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var current uint64
	if _, err := l.get([]byte(policySeqKey), &current); err != nil {
		return 0, err
	}
	next := current + 1
	if err := l.put([]byte(policySeqKey), next); err != nil {
		return 0, err
	}
	return next, nil
}

// PolicyGet loads a policy record by id.
func (l *Ledger) PolicyGet(id uint64) (*policy.Policy, bool, error) {
	if err := l.ready(); err != nil {
		return nil, false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	record := new(policy.Policy)
	ok, err := l.get(policyKey(id), record)
	if err != nil || !ok {
		return nil, false, err
	}
	return record, true, nil
}

// PolicyPut stores a policy record keyed by id.
func (l *Ledger) PolicyPut(record *policy.Policy) error {
	if err := l.ready(); err != nil {
		return err
	}
	if record == nil {
		return errNilRecord
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.put(policyKey(record.ID), record)
}

// PolicyIndexAdd marks a policy as expiring at the boundary. The index entry
// is a bare marker; the id lives in the key.
func (l *Ledger) PolicyIndexAdd(boundary, id uint64) error {
	if err := l.ready(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Put(expiryKey(boundary, id), []byte{})
}

// PolicyIDsExpiringAt returns the ids indexed at one boundary in ascending
// order.
func (l *Ledger) PolicyIDsExpiringAt(boundary uint64) ([]uint64, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	prefix := fmt.Sprintf("%s%020d/", expiryPrefix, boundary)
	var ids []uint64
	err := l.db.IteratePrefix([]byte(prefix), func(key, _ []byte) error {
		id, err := strconv.ParseUint(string(key[len(prefix):]), 10, 64)
		if err != nil {
			return fmt.Errorf("state: malformed expiry key %q: %w", key, err)
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// PolicyBoundaries returns, in ascending order, every indexed boundary not
// greater than max. Zero-padded keys let the scan stop at the first boundary
// past the cap.
func (l *Ledger) PolicyBoundaries(max uint64) ([]uint64, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var boundaries []uint64
	err := l.db.IteratePrefix([]byte(expiryPrefix), func(key, _ []byte) error {
		rest := string(key[len(expiryPrefix):])
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return fmt.Errorf("state: malformed expiry key %q", key)
		}
		boundary, err := strconv.ParseUint(rest[:slash], 10, 64)
		if err != nil {
			return fmt.Errorf("state: malformed expiry key %q: %w", key, err)
		}
		if boundary > max {
			return errStopIteration
		}
		if n := len(boundaries); n == 0 || boundaries[n-1] != boundary {
			boundaries = append(boundaries, boundary)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, err
	}
	return boundaries, nil
}

// --- Settlement records ---

// SettlementPutImpact appends an impact record under the policy's scope. The
// sequence number preserves insertion order across restarts.
func (l *Ledger) SettlementPutImpact(record *settlement.ImpactRecord) error {
	if err := l.ready(); err != nil {
		return err
	}
	if record == nil {
		return errNilRecord
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	seq, err := l.countPrefix(impactScope(record.PolicyID))
	if err != nil {
		return err
	}
	return l.put(impactKey(record.PolicyID, seq), record)
}

// SettlementImpactsByPolicy returns impact records in insertion order.
func (l *Ledger) SettlementImpactsByPolicy(policyID uint64) ([]*settlement.ImpactRecord, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var records []*settlement.ImpactRecord
	err := l.db.IteratePrefix(impactScope(policyID), func(_, value []byte) error {
		record := new(settlement.ImpactRecord)
		if err := json.Unmarshal(value, record); err != nil {
			return fmt.Errorf("state: decode impact: %w", err)
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// SettlementPutDistribution appends a premium distribution record under the
// policy's scope.
func (l *Ledger) SettlementPutDistribution(record *settlement.DistributionRecord) error {
	if err := l.ready(); err != nil {
		return err
	}
	if record == nil {
		return errNilRecord
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	seq, err := l.countPrefix(distributionScope(record.PolicyID))
	if err != nil {
		return err
	}
	return l.put(distributionKey(record.PolicyID, seq), record)
}

// SettlementDistributionsByPolicy returns distribution records in insertion
// order.
func (l *Ledger) SettlementDistributionsByPolicy(policyID uint64) ([]*settlement.DistributionRecord, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var records []*settlement.DistributionRecord
	err := l.db.IteratePrefix(distributionScope(policyID), func(_, value []byte) error {
		record := new(settlement.DistributionRecord)
		if err := json.Unmarshal(value, record); err != nil {
			return fmt.Errorf("state: decode distribution: %w", err)
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// SettlementPutBatch stores a batch outcome keyed by boundary. Reruns of the
// same boundary overwrite the previous outcome.
func (l *Ledger) SettlementPutBatch(outcome *settlement.BatchOutcome) error {
	if err := l.ready(); err != nil {
		return err
	}
	if outcome == nil {
		return errNilRecord
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.put(batchKey(outcome.Boundary), outcome)
}

// SettlementGetBatch loads the batch outcome recorded at a boundary.
func (l *Ledger) SettlementGetBatch(boundary uint64) (*settlement.BatchOutcome, bool, error) {
	if err := l.ready(); err != nil {
		return nil, false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	record := new(settlement.BatchOutcome)
	ok, err := l.get(batchKey(boundary), record)
	if err != nil || !ok {
		return nil, false, err
	}
	return record, true, nil
}

// SettlementBatches returns, in ascending boundary order, every batch outcome
// recorded at a boundary not greater than max.
func (l *Ledger) SettlementBatches(max uint64) ([]*settlement.BatchOutcome, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var batches []*settlement.BatchOutcome
	err := l.db.IteratePrefix([]byte(batchPrefix), func(key, value []byte) error {
		boundary, err := strconv.ParseUint(string(key[len(batchPrefix):]), 10, 64)
		if err != nil {
			return fmt.Errorf("state: malformed batch key %q: %w", key, err)
		}
		if boundary > max {
			return errStopIteration
		}
		record := new(settlement.BatchOutcome)
		if err := json.Unmarshal(value, record); err != nil {
			return fmt.Errorf("state: decode batch: %w", err)
		}
		batches = append(batches, record)
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, err
	}
	return batches, nil
}

// --- Audit views ---

// AuditListAccounts returns every account across all tokens, ordered by token
// then provider address.
func (l *Ledger) AuditListAccounts() ([]*pool.Account, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var accounts []*pool.Account
	err := l.db.IteratePrefix([]byte(accountPrefix), func(_, value []byte) error {
		record := new(pool.Account)
		if err := json.Unmarshal(value, record); err != nil {
			return fmt.Errorf("state: decode account: %w", err)
		}
		accounts = append(accounts, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// AuditListPolicies returns every policy record in ascending id order.
func (l *Ledger) AuditListPolicies() ([]*policy.Policy, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var policies []*policy.Policy
	err := l.db.IteratePrefix([]byte(policyPrefix), func(_, value []byte) error {
		record := new(policy.Policy)
		if err := json.Unmarshal(value, record); err != nil {
			return fmt.Errorf("state: decode policy: %w", err)
		}
		policies = append(policies, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return policies, nil
}

// --- Quota counters ---

// QuotaGet loads an owner's policy creation counters. Epoch rollover happens
// in the quota check, so a single record per owner suffices.
func (l *Ledger) QuotaGet(addr crypto.Address) (nativecommon.QuotaNow, bool, error) {
	if err := l.ready(); err != nil {
		return nativecommon.QuotaNow{}, false, err
	}
	if addr.IsZero() {
		return nativecommon.QuotaNow{}, false, errZeroAddress
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var counters nativecommon.QuotaNow
	ok, err := l.get(quotaKey(addr), &counters)
	if err != nil || !ok {
		return nativecommon.QuotaNow{}, false, err
	}
	return counters, true, nil
}

// QuotaPut stores an owner's policy creation counters.
func (l *Ledger) QuotaPut(addr crypto.Address, counters nativecommon.QuotaNow) error {
	if err := l.ready(); err != nil {
		return err
	}
	if addr.IsZero() {
		return errZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.put(quotaKey(addr), counters)
}
