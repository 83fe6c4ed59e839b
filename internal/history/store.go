// Package history is the append-only transaction index: cursor-paginated
// listing per user and exact lookup by transaction hash, each row joined
// against the token-metadata table for its decimal exponent.
package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis key templates
const (
	seqKey          = "history:seq"
	txKeyFmt        = "history:tx:%d"
	userIndexKeyFmt = "history:user:%s"        // %s = sender (lowercased)
	lookupKeyFmt    = "history:lookup:%s:%s"   // %s = tx hash, sender (lowercased)
	metadataKeyFmt  = "history:metadata:%s:%s" // %s = chain, currency (lowercased)
)

// DefaultPageSize bounds a listing when the caller asks for zero or less.
const DefaultPageSize = 20

// Record is one indexed transaction row. Exponent is the decimal scaling
// factor joined from token metadata on (currency, chain); rows with no
// matching metadata still appear, with a nil Exponent.
type Record struct {
	RowID        int64  `json:"row_id"`
	TxHash       string `json:"tx_hash"`
	OpHash       string `json:"op_hash"`
	Sender       string `json:"sender"`
	Paymaster    string `json:"paymaster,omitempty"`
	Currency     string `json:"currency"`
	Chain        string `json:"chain"`
	Amount       string `json:"amount"`
	GasUsed      uint64 `json:"gas_used"`
	Success      bool   `json:"success"`
	RevertReason string `json:"revert_reason,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	Exponent     *int32 `json:"exponent"`
}

// TokenMetadata describes a token on a chain; keys are lowercased on write.
type TokenMetadata struct {
	Chain           string `json:"chain"`
	Currency        string `json:"currency"`
	ContractAddress string `json:"contract_address"`
	Exponent        int32  `json:"exponent"`
	TokenType       string `json:"token_type"`
	Name            string `json:"name"`
}

// Store is the redis-backed index.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Append assigns the next row id and writes the record plus its user-index
// and lookup entries. Returns the assigned row id.
func (s *Store) Append(ctx context.Context, rec *Record) (int64, error) {
	id, err := s.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("next row id: %w", err)
	}
	rec.RowID = id

	sender := strings.ToLower(rec.Sender)
	txHash := strings.ToLower(rec.TxHash)

	if err := s.rdb.HSet(ctx, fmt.Sprintf(txKeyFmt, id),
		"row_id", id,
		"tx_hash", txHash,
		"op_hash", strings.ToLower(rec.OpHash),
		"sender", sender,
		"paymaster", strings.ToLower(rec.Paymaster),
		"currency", strings.ToLower(rec.Currency),
		"chain", strings.ToLower(rec.Chain),
		"amount", rec.Amount,
		"gas_used", rec.GasUsed,
		"success", strconv.FormatBool(rec.Success),
		"revert_reason", rec.RevertReason,
		"timestamp", rec.Timestamp,
	).Err(); err != nil {
		return 0, fmt.Errorf("write row %d: %w", id, err)
	}

	if err := s.rdb.ZAdd(ctx, fmt.Sprintf(userIndexKeyFmt, sender), redis.Z{
		Score:  float64(id),
		Member: strconv.FormatInt(id, 10),
	}).Err(); err != nil {
		return 0, fmt.Errorf("index row %d: %w", id, err)
	}

	if err := s.rdb.Set(ctx, fmt.Sprintf(lookupKeyFmt, txHash, sender), id, 0).Err(); err != nil {
		return 0, fmt.Errorf("lookup entry for %s: %w", txHash, err)
	}
	return id, nil
}

// ListByUser returns up to limit rows for a user, strictly descending by
// row id, all ids < beforeID. beforeID <= 0 means "no upper bound".
func (s *Store) ListByUser(ctx context.Context, user string, beforeID int64, limit int64) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	upper := "+inf"
	if beforeID > 0 {
		upper = "(" + strconv.FormatInt(beforeID, 10)
	}

	ids, err := s.rdb.ZRevRangeByScore(ctx, fmt.Sprintf(userIndexKeyFmt, strings.ToLower(user)), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   upper,
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list user rows: %w", err)
	}

	records := make([]Record, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		rec, err := s.load(ctx, id)
		if err != nil || rec == nil {
			continue
		}
		records = append(records, *rec)
	}
	return records, nil
}

// GetByHash is the exact lookup by (transaction hash, user). Returns nil
// when no such row exists.
func (s *Store) GetByHash(ctx context.Context, txHash, user string) (*Record, error) {
	key := fmt.Sprintf(lookupKeyFmt, strings.ToLower(txHash), strings.ToLower(user))
	raw, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", txHash, err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: bad row id %q", txHash, raw)
	}
	return s.load(ctx, id)
}

// load reads one row and left-joins its token metadata.
func (s *Store) load(ctx context.Context, id int64) (*Record, error) {
	vals, err := s.rdb.HGetAll(ctx, fmt.Sprintf(txKeyFmt, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	rec := recordFromMap(vals)

	md, err := s.GetMetadata(ctx, rec.Chain, rec.Currency)
	if err == nil && md != nil {
		exp := md.Exponent
		rec.Exponent = &exp
	}
	return rec, nil
}

// PutMetadata upserts the token-metadata row for (chain, currency).
func (s *Store) PutMetadata(ctx context.Context, md TokenMetadata) error {
	key := fmt.Sprintf(metadataKeyFmt, strings.ToLower(md.Chain), strings.ToLower(md.Currency))
	return s.rdb.HSet(ctx, key,
		"chain", strings.ToLower(md.Chain),
		"currency", strings.ToLower(md.Currency),
		"contract_address", strings.ToLower(md.ContractAddress),
		"exponent", md.Exponent,
		"token_type", strings.ToLower(md.TokenType),
		"name", strings.ToLower(md.Name),
	).Err()
}

// GetMetadata returns the token metadata for (chain, currency), nil when
// absent.
func (s *Store) GetMetadata(ctx context.Context, chain, currency string) (*TokenMetadata, error) {
	key := fmt.Sprintf(metadataKeyFmt, strings.ToLower(chain), strings.ToLower(currency))
	vals, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	exp, _ := strconv.ParseInt(vals["exponent"], 10, 32)
	return &TokenMetadata{
		Chain:           vals["chain"],
		Currency:        vals["currency"],
		ContractAddress: vals["contract_address"],
		Exponent:        int32(exp),
		TokenType:       vals["token_type"],
		Name:            vals["name"],
	}, nil
}

func recordFromMap(m map[string]string) *Record {
	rowID, _ := strconv.ParseInt(m["row_id"], 10, 64)
	gasUsed, _ := strconv.ParseUint(m["gas_used"], 10, 64)
	success, _ := strconv.ParseBool(m["success"])
	timestamp, _ := strconv.ParseInt(m["timestamp"], 10, 64)
	return &Record{
		RowID:        rowID,
		TxHash:       m["tx_hash"],
		OpHash:       m["op_hash"],
		Sender:       m["sender"],
		Paymaster:    m["paymaster"],
		Currency:     m["currency"],
		Chain:        m["chain"],
		Amount:       m["amount"],
		GasUsed:      gasUsed,
		Success:      success,
		RevertReason: m["revert_reason"],
		Timestamp:    timestamp,
	}
}
