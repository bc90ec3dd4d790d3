package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"bybit-trading-core/pkg/types"
)

const maxLinkIDLen = 36

// GenerateLinkID computes the idempotency key for an order intent (§4.7).
// Two intents for the same (strategy, symbol, side) inside the same
// bucket_sec window produce byte-identical ids; different buckets or
// sides never collide.
func GenerateLinkID(strategy, symbol string, unixTS int64, direction types.Direction, bucketSec int) string {
	if bucketSec <= 0 {
		bucketSec = 60
	}
	bucket := unixTS / int64(bucketSec)
	sideCode := sideCodeFor(direction)

	id := fmt.Sprintf("%s_%s_%d_%s", strategy, symbol, bucket, sideCode)
	if len(id) <= maxLinkIDLen {
		return id
	}

	// Too long: shrink strategy first, since symbol/bucket/side carry the
	// semantics parse() needs back.
	suffix := fmt.Sprintf("_%s_%d_%s", symbol, bucket, sideCode)
	budget := maxLinkIDLen - len(suffix)
	if budget > 0 {
		shortStrategy := strategy
		if len(shortStrategy) > budget {
			shortStrategy = shortStrategy[:budget]
		}
		id = shortStrategy + suffix
		if len(id) <= maxLinkIDLen {
			return id
		}
	}

	// Still too long even with an empty strategy: replace the tail with an
	// 8-char hash of the full id so retries of the same intent still
	// collide on the same truncated id.
	full := fmt.Sprintf("%s_%s_%d_%s", strategy, symbol, bucket, sideCode)
	sum := sha256.Sum256([]byte(full))
	hash := hex.EncodeToString(sum[:])[:8]
	keep := maxLinkIDLen - len(hash) - 1
	if keep < 0 {
		keep = 0
	}
	if keep > len(full) {
		keep = len(full)
	}
	return full[:keep] + "_" + hash
}

// ParsedLinkID is the decoded form of a link_id produced by a
// non-hash-truncated GenerateLinkID call.
type ParsedLinkID struct {
	Strategy string
	Symbol   string
	Bucket   int64
	SideCode string
}

// ParseLinkID decomposes a link_id back into its components. Returns
// ok=false for ids that were hash-truncated (the strategy segment is
// lossy in that case) or otherwise malformed.
func ParseLinkID(linkID string) (ParsedLinkID, bool) {
	parts := strings.Split(linkID, "_")
	if len(parts) < 4 {
		return ParsedLinkID{}, false
	}
	sideCode := parts[len(parts)-1]
	bucketStr := parts[len(parts)-2]
	symbol := parts[len(parts)-3]
	strategy := strings.Join(parts[:len(parts)-3], "_")

	bucket, err := strconv.ParseInt(bucketStr, 10, 64)
	if err != nil {
		return ParsedLinkID{}, false
	}
	if sideCode != "L" && sideCode != "S" {
		return ParsedLinkID{}, false
	}
	return ParsedLinkID{Strategy: strategy, Symbol: symbol, Bucket: bucket, SideCode: sideCode}, true
}

func sideCodeFor(direction types.Direction) string {
	if direction == types.DirectionShort {
		return "S"
	}
	return "L"
}
