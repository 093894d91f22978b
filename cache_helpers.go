package sturdy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"
)

// Cache key layout:
//
//	<schema>:rec:<id>     single record
//	<schema>:list:<hash>  list query keyed by a hash of filters + pagination
//
// Keeping the schema first lets InvalidateSchema drop everything for a
// table with one prefix scan.

func recordKey(schema string, id int64) string {
	return schema + ":rec:" + strconv.FormatInt(id, 10)
}

func listKeyPrefix(schema string) string {
	return schema + ":list:"
}

func schemaPrefix(schema string) string {
	return schema + ":"
}

func listKey(schema string, filters Filters, opts ListOptions) string {
	return listKeyPrefix(schema) + queryHash(filters, opts)
}

// hashedQuery is the canonical shape fed to the hasher. Args are
// normalized first so equivalent values (e.g. int32(5) vs int64(5)) key
// identically.
type hashedQuery struct {
	Where   string `json:"where"`
	Args    []any  `json:"args"`
	OrderBy string `json:"order_by"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
}

// queryHash generates a short unique hash for a list query. Only the first
// 8 hex characters are kept for shorter cache keys.
func queryHash(filters Filters, opts ListOptions) string {
	normalized := make([]any, len(filters.Args))
	for i, arg := range filters.Args {
		normalized[i] = normalizeHashValue(arg)
	}
	payload, err := json.Marshal(hashedQuery{
		Where:   filters.Where,
		Args:    normalized,
		OrderBy: opts.OrderBy,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
	if err != nil {
		log.Printf("ERROR: Failed to marshal query params for hash: %v", err)
		return fmt.Sprintf("error_hash_%d", time.Now().UnixNano())
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:8]
}

// normalizeHashValue collapses equivalent argument representations before
// hashing.
func normalizeHashValue(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return int64(val)
	case float32:
		return float64(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(val)
	default:
		return v
	}
}
