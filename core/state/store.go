package state

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"

	"lendcore/native/lending"
	"lendcore/storage"
)

var (
	assetPrefix         = []byte("lending/asset/")
	accountPrefix       = []byte("lending/account/")
	marginAccountPrefix = []byte("lending/margin/")
	transferPrefix      = []byte("lending/transfer/")
	lpInfoPrefix        = []byte("lending/lp/")
	assetListKey        = []byte("lending/assets")
	protocolDebtsKey    = []byte("lending/protocol-debts")
	commitInfoKey       = []byte("lending/commit")
)

// hashedKey keeps the namespace readable and fixes the key length regardless
// of the identifier.
func hashedKey(prefix []byte, id string) []byte {
	hash := ethcrypto.Keccak256([]byte(id))
	key := make([]byte, len(prefix)+len(hash))
	copy(key, prefix)
	copy(key[len(prefix):], hash)
	return key
}

func assetKey(token lending.TokenID) []byte { return hashedKey(assetPrefix, string(token)) }

func accountKey(id lending.AccountID) []byte { return hashedKey(accountPrefix, string(id)) }

func marginAccountKey(id lending.AccountID) []byte {
	return hashedKey(marginAccountPrefix, string(id))
}

func transferKey(id string) []byte { return hashedKey(transferPrefix, id) }

func lpInfoKey(token lending.TokenID) []byte { return hashedKey(lpInfoPrefix, string(token)) }

// CommitInfo identifies the latest committed change set. Digest chains every
// commit onto the previous one.
type CommitInfo struct {
	Seq    uint64
	Digest []byte
}

// StorageLedger accepts or rejects the bytes an account occupies after a
// commit.
type StorageLedger interface {
	Accept(account lending.AccountID, bytesUsed int) error
}

// ErrStorageExceeded is returned when the storage ledger rejects a commit.
var ErrStorageExceeded = fmt.Errorf("%w: storage allowance exceeded", lending.ErrValidation)

// MaxAccountBytes is a ledger capping the encoded size of every account.
type MaxAccountBytes int

func (m MaxAccountBytes) Accept(account lending.AccountID, bytesUsed int) error {
	if m > 0 && bytesUsed > int(m) {
		return fmt.Errorf("%w: %s uses %d bytes, limit %d", ErrStorageExceeded, account, bytesUsed, int(m))
	}
	return nil
}

// Store persists lending state in a key-value database and implements
// lending.EngineState.
type Store struct {
	mu     sync.RWMutex
	db     storage.Database
	ledger StorageLedger
	commit CommitInfo
}

var _ lending.EngineState = (*Store)(nil)

// NewStore opens the lending state over db. The schema version must match
// (see EnsureSchemaVersion).
func NewStore(db storage.Database) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("state: database must not be nil")
	}
	s := &Store{db: db}
	if _, err := s.getRecord(commitInfoKey, &s.commit); err != nil {
		return nil, err
	}
	return s, nil
}

// SetLedger installs the storage ledger consulted on commit.
func (s *Store) SetLedger(l StorageLedger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = l
}

// LastCommit returns the sequence number and digest of the latest commit.
func (s *Store) LastCommit() CommitInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CommitInfo{Seq: s.commit.Seq, Digest: append([]byte(nil), s.commit.Digest...)}
}

func (s *Store) getRecord(key []byte, out interface{}) (bool, error) {
	data, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return true, nil
}

func (s *Store) GetAsset(token lending.TokenID) (*lending.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := new(assetRecord)
	ok, err := s.getRecord(assetKey(token), rec)
	if err != nil || !ok {
		return nil, err
	}
	return rec.decode(), nil
}

func (s *Store) AssetIDs() ([]lending.TokenID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assetIDs()
}

func (s *Store) assetIDs() ([]lending.TokenID, error) {
	var list []string
	if _, err := s.getRecord(assetListKey, &list); err != nil {
		return nil, err
	}
	ids := make([]lending.TokenID, len(list))
	for i, id := range list {
		ids[i] = lending.TokenID(id)
	}
	return ids, nil
}

func (s *Store) getAccount(key []byte) (*lending.Account, error) {
	rec := new(accountRecord)
	ok, err := s.getRecord(key, rec)
	if err != nil || !ok {
		return nil, err
	}
	return rec.decode()
}

func (s *Store) GetAccount(id lending.AccountID) (*lending.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAccount(accountKey(id))
}

func (s *Store) GetMarginAccount(id lending.AccountID) (*lending.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAccount(marginAccountKey(id))
}

func (s *Store) GetProtocolDebts() (map[lending.TokenID]*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []amountEntry
	if _, err := s.getRecord(protocolDebtsKey, &entries); err != nil {
		return nil, err
	}
	return decodeAmounts[lending.TokenID](entries), nil
}

func (s *Store) GetPendingTransfer(id string) (*lending.TransferRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := new(transferRecord)
	ok, err := s.getRecord(transferKey(id), rec)
	if err != nil || !ok {
		return nil, err
	}
	return rec.decode(), nil
}

func (s *Store) GetLPTokenInfo(token lending.TokenID) (*lending.UnitShareTokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := new(lpTokenRecord)
	ok, err := s.getRecord(lpInfoKey(token), rec)
	if err != nil || !ok {
		return nil, err
	}
	return rec.decode(), nil
}

// Accounts walks every stored account. margin selects margin accounts.
func (s *Store) Accounts(margin bool, fn func(*lending.Account) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := accountPrefix
	if margin {
		prefix = marginAccountPrefix
	}
	var decodeErr error
	err := s.db.Iterate(prefix, func(_, value []byte) bool {
		rec := new(accountRecord)
		if err := rlp.DecodeBytes(value, rec); err != nil {
			decodeErr = fmt.Errorf("%w: %v", ErrCorruptRecord, err)
			return false
		}
		acc, err := rec.decode()
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(acc)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

type pendingWrite struct {
	key    []byte
	value  []byte
	delete bool
}

// Commit writes the change set in one storage batch. Nothing is written when
// encoding fails or the storage ledger rejects an account.
func (s *Store) Commit(cs *lending.ChangeSet) error {
	if cs == nil || cs.IsEmpty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var writes []pendingWrite
	put := func(key []byte, rec interface{}) ([]byte, error) {
		encoded, err := rlp.EncodeToBytes(rec)
		if err != nil {
			return nil, err
		}
		writes = append(writes, pendingWrite{key: key, value: encoded})
		return encoded, nil
	}

	if len(cs.Assets) > 0 {
		known, err := s.assetIDs()
		if err != nil {
			return err
		}
		listed := make(map[lending.TokenID]bool, len(known))
		for _, id := range known {
			listed[id] = true
		}
		grew := false
		for _, asset := range cs.Assets {
			rec, err := encodeAsset(asset)
			if err != nil {
				return fmt.Errorf("state: encode asset %s: %w", asset.Token, err)
			}
			if _, err := put(assetKey(asset.Token), rec); err != nil {
				return err
			}
			if !listed[asset.Token] {
				listed[asset.Token] = true
				known = append(known, asset.Token)
				grew = true
			}
		}
		if grew {
			list := make([]string, len(known))
			for i, id := range known {
				list[i] = string(id)
			}
			sort.Strings(list)
			if _, err := put(assetListKey, list); err != nil {
				return err
			}
		}
	}

	// sizes[id] holds the regular and margin record sizes after this commit.
	sizes := make(map[lending.AccountID]*[2]int)
	var ids []lending.AccountID
	for i, group := range [][]*lending.Account{cs.Accounts, cs.MarginAccounts} {
		key := accountKey
		if i == 1 {
			key = marginAccountKey
		}
		for _, acc := range group {
			rec, err := encodeAccount(acc)
			if err != nil {
				return fmt.Errorf("state: encode account %s: %w", acc.ID, err)
			}
			encoded, err := put(key(acc.ID), rec)
			if err != nil {
				return err
			}
			if sizes[acc.ID] == nil {
				sizes[acc.ID] = &[2]int{-1, -1}
				ids = append(ids, acc.ID)
			}
			sizes[acc.ID][i] = len(encoded)
		}
	}

	if cs.ProtocolDebts != nil {
		entries, err := encodeAmounts(cs.ProtocolDebts)
		if err != nil {
			return fmt.Errorf("state: encode protocol debts: %w", err)
		}
		if _, err := put(protocolDebtsKey, entries); err != nil {
			return err
		}
	}
	for _, t := range cs.PutTransfers {
		if _, err := put(transferKey(t.ID), encodeTransfer(t)); err != nil {
			return err
		}
	}
	for _, id := range cs.DeletedTransfers {
		writes = append(writes, pendingWrite{key: transferKey(id), delete: true})
	}
	for _, token := range sortedTokens(cs.LPTokenInfos) {
		rec, err := encodeLPInfo(cs.LPTokenInfos[token])
		if err != nil {
			return fmt.Errorf("state: encode lp snapshot %s: %w", token, err)
		}
		if _, err := put(lpInfoKey(token), rec); err != nil {
			return err
		}
	}

	if s.ledger != nil {
		if err := s.chargeLedger(ids, sizes); err != nil {
			return err
		}
	}

	next := CommitInfo{Seq: s.commit.Seq + 1, Digest: digestWrites(s.commit.Digest, writes)}
	if _, err := put(commitInfoKey, next); err != nil {
		return err
	}
	batch := s.db.NewBatch()
	for _, w := range writes {
		if w.delete {
			batch.Delete(w.key)
		} else {
			batch.Put(w.key, w.value)
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: write batch: %w", err)
	}
	s.commit = next
	return nil
}

// chargeLedger reports the combined regular and margin record size of every
// written account. A half not rewritten by this commit is read from storage.
func (s *Store) chargeLedger(ids []lending.AccountID, sizes map[lending.AccountID]*[2]int) error {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		total := 0
		for i, key := range [][]byte{accountKey(id), marginAccountKey(id)} {
			size := sizes[id][i]
			if size < 0 {
				var err error
				if size, err = s.recordSize(key); err != nil {
					return err
				}
			}
			total += size
		}
		if err := s.ledger.Accept(id, total); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) recordSize(key []byte) (int, error) {
	data, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func digestWrites(prev []byte, writes []pendingWrite) []byte {
	sorted := append([]pendingWrite(nil), writes...)
	sort.SliceStable(sorted, func(i, j int) bool { return bytes.Compare(sorted[i].key, sorted[j].key) < 0 })
	h := blake3.New(32, nil)
	h.Write(prev)
	for _, w := range sorted {
		h.Write(w.key)
		if w.delete {
			h.Write([]byte{0})
			continue
		}
		h.Write([]byte{1})
		h.Write(w.value)
	}
	return h.Sum(nil)
}

func sortedTokens(m map[lending.TokenID]*lending.UnitShareTokens) []lending.TokenID {
	out := make([]lending.TokenID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
