package ledger

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestOrderKeyRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	key := NewOrderKey("grid-eth1", 17, "SELL", 0.1234, 4, now, 42)
	encoded := key.Encode()

	parsed, err := ParseOrderKey(encoded)
	if err != nil {
		t.Fatalf("ParseOrderKey(%q): %v", encoded, err)
	}
	if parsed != key {
		t.Fatalf("round trip mismatch: %+v != %+v", parsed, key)
	}
	if got := parsed.Quantity(); math.Abs(got-0.1234) > 1e-12 {
		t.Fatalf("quantity = %v, want 0.1234", got)
	}
}

func TestOrderKeyEncodingHasNoDecimalPoint(t *testing.T) {
	key := NewOrderKey("g1", 3, "BUY", 1.5, 2, time.Unix(1700000000, 0), 1)
	encoded := key.Encode()
	if strings.Contains(encoded, ".") {
		t.Fatalf("encoded key %q contains a decimal point", encoded)
	}
	if got := strings.Count(encoded, "_"); got != 6 {
		t.Fatalf("encoded key %q has %d separators, want 6", encoded, got)
	}
}

func TestOrderKeyQuantityRounding(t *testing.T) {
	// 0.1+0.2 的浮点噪声在尾数化时被吸收
	key := NewOrderKey("g1", 0, "BUY", 0.1+0.2, 4, time.Now(), 1)
	if key.Mantissa != 3000 {
		t.Fatalf("mantissa = %d, want 3000", key.Mantissa)
	}
}

func TestParseOrderKeyRejectsGarbage(t *testing.T) {
	for _, bad := range []string{
		"",
		"web_order_123",
		"g1_x_BUY_100_2_1700000000_1", // 非数字档位
		"g1_1_BUY_100_2_then_1",       // 非数字时间戳
	} {
		if _, err := ParseOrderKey(bad); err == nil {
			t.Fatalf("ParseOrderKey(%q) accepted garbage", bad)
		}
	}
}

func TestBelongsTo(t *testing.T) {
	cid := NewOrderKey("grid-a", 0, "BUY", 1, 0, time.Now(), 1).Encode()
	if !BelongsTo(cid, "grid-a") {
		t.Fatalf("own order not recognised")
	}
	if BelongsTo(cid, "grid") {
		t.Fatalf("partial prefix matched foreign strategy")
	}
	if BelongsTo("web_manual_order", "grid-a") {
		t.Fatalf("foreign order claimed")
	}
}
