package vtxo

import (
	"testing"

	"arkgw/internal/ledger"

	"github.com/stretchr/testify/assert"
)

func TestNeedsReplenishment(t *testing.T) {
	m := &Manager{policy: DefaultPolicy()}

	cases := []struct {
		name string
		inv  ledger.Inventory
		want bool
	}{
		{"below minimum available", ledger.Inventory{Available: 5, Assigned: 20, Total: 25}, true},
		{"over utilization ratio", ledger.Inventory{Available: 20, Assigned: 50, Total: 70}, true},
		{"empty pool", ledger.Inventory{Available: 0, Assigned: 0, Total: 0}, true},
		{"healthy pool", ledger.Inventory{Available: 30, Assigned: 10, Total: 40}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, m.needsReplenishment(c.inv))
		})
	}
}

func TestReplenishmentCount(t *testing.T) {
	m := &Manager{policy: DefaultPolicy()}

	// deficit 10, buffer 20% of 0 total = 0; an empty pool is capped at MinPerAsset (10).
	assert.Equal(t, 10, m.replenishmentCount(ledger.Inventory{Available: 0, Total: 0}))

	// deficit = 10-4=6, buffer = 20% of 50 = 10 -> 16.
	assert.Equal(t, 16, m.replenishmentCount(ledger.Inventory{Available: 4, Total: 50}))

	// deficit 0 (available already above min), buffer 20% of 600=120, capped at 100.
	assert.Equal(t, 100, m.replenishmentCount(ledger.Inventory{Available: 20, Total: 600}))
}

func TestDefaultVtxoAmount(t *testing.T) {
	uncapped := &ledger.Asset{ID: "BTC", TotalSupply: 0}
	assert.Equal(t, int64(100000), defaultVtxoAmount(uncapped))

	capped := &ledger.Asset{ID: "CAPPED", TotalSupply: 10_000_000}
	assert.Equal(t, int64(100000), defaultVtxoAmount(capped))
}
