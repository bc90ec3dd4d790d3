package execution

import (
	"strings"
	"testing"

	"bybit-trading-core/pkg/types"
)

func TestGenerateLinkIDMatchesSpecExample(t *testing.T) {
	t.Parallel()
	got := GenerateLinkID("mean_rev", "BTCUSDT", 1738915200, types.DirectionLong, 60)
	want := "mean_rev_BTCUSDT_28981920_L"
	if got != want {
		t.Errorf("GenerateLinkID() = %q, want %q", got, want)
	}
}

func TestGenerateLinkIDSameBucketIsIdempotent(t *testing.T) {
	t.Parallel()
	a := GenerateLinkID("mean_rev", "BTCUSDT", 1738915200, types.DirectionLong, 60)
	b := GenerateLinkID("mean_rev", "BTCUSDT", 1738915230, types.DirectionLong, 60)
	if a != b {
		t.Errorf("same-bucket ids differ: %q vs %q", a, b)
	}
}

func TestGenerateLinkIDNextBucketDiffers(t *testing.T) {
	t.Parallel()
	a := GenerateLinkID("mean_rev", "BTCUSDT", 1738915200, types.DirectionLong, 60)
	b := GenerateLinkID("mean_rev", "BTCUSDT", 1738915261, types.DirectionLong, 60)
	if a == b {
		t.Errorf("expected different ids across bucket boundary, got %q for both", a)
	}
	if b != "mean_rev_BTCUSDT_28981921_L" {
		t.Errorf("GenerateLinkID() = %q, want mean_rev_BTCUSDT_28981921_L", b)
	}
}

func TestGenerateLinkIDDifferentSideDiffers(t *testing.T) {
	t.Parallel()
	long := GenerateLinkID("mean_rev", "BTCUSDT", 1738915200, types.DirectionLong, 60)
	short := GenerateLinkID("mean_rev", "BTCUSDT", 1738915200, types.DirectionShort, 60)
	if long == short {
		t.Error("expected long/short ids to differ")
	}
}

func TestGenerateLinkIDTruncatesLongStrategy(t *testing.T) {
	t.Parallel()
	id := GenerateLinkID("an_extremely_long_strategy_name_that_does_not_fit", "BTCUSDT", 1738915200, types.DirectionLong, 60)
	if len(id) > maxLinkIDLen {
		t.Errorf("GenerateLinkID() length = %d, want <= %d", len(id), maxLinkIDLen)
	}
	if !strings.HasSuffix(id, "_BTCUSDT_28981920_L") {
		t.Errorf("truncated id lost its suffix: %q", id)
	}
}

func TestGenerateLinkIDHashFallbackWhenSuffixAloneTooLong(t *testing.T) {
	t.Parallel()
	id := GenerateLinkID("s", "A_VERY_LONG_SYMBOL_NAME_THAT_ALONE_EXCEEDS_THE_BUDGET", 1738915200, types.DirectionLong, 60)
	if len(id) > maxLinkIDLen {
		t.Errorf("GenerateLinkID() length = %d, want <= %d", len(id), maxLinkIDLen)
	}
}

func TestParseLinkIDRoundTrips(t *testing.T) {
	t.Parallel()
	id := GenerateLinkID("mean_rev", "BTCUSDT", 1738915200, types.DirectionLong, 60)
	parsed, ok := ParseLinkID(id)
	if !ok {
		t.Fatal("ParseLinkID() ok = false, want true")
	}
	if parsed.Strategy != "mean_rev" || parsed.Symbol != "BTCUSDT" || parsed.Bucket != 28981920 || parsed.SideCode != "L" {
		t.Errorf("ParseLinkID() = %+v, unexpected", parsed)
	}
}

func TestParseLinkIDRejectsMalformed(t *testing.T) {
	t.Parallel()
	if _, ok := ParseLinkID("not_enough_parts"); ok {
		t.Error("expected ok=false for malformed link_id")
	}
}
