package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"launchpad.org/internal/launchpad"
	"launchpad.org/internal/ledger"
)

// Runs a full sale lifecycle against the in-memory stack: create, contribute
// up to the hardcap, finalize, claim. Exits non-zero on the first deviation.
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	led := ledger.NewInMemory()
	cfg := launchpad.Config{EscrowAccount: "escrow", FeeAsset: "LPX", FeeAmount: 10_000_000}

	clock := time.Now()
	svc := launchpad.NewInMemory(led, cfg, launchpad.WithClock(func() time.Time { return clock }))

	mustAccount(ctx, led, "escrow", "LPX", 0)
	mustAccount(ctx, led, "owner", "TKN", 10_000_000_000)
	mustAccount(ctx, led, "owner", "LPX", 1_000_000_000)
	mustAccount(ctx, led, "alice", "USDT", 2_000_000_000)
	mustAccount(ctx, led, "bob", "USDT", 2_000_000_000)

	const (
		price   = 50_000_000    // 0.5 TKN per USDT minor unit
		hardcap = 1_000_000_000 // 1000 USDT
		softcap = 500_000_000
		minBuy  = 100_000_000
		maxBuy  = 600_000_000
	)

	sale, err := svc.CreateSale(ctx, "owner", launchpad.SaleParams{
		Name:         "Smoke Sale",
		BaseAsset:    "TKN",
		PaymentAsset: "USDT",
		Price:        price,
		MinBuy:       minBuy,
		MaxBuy:       maxBuy,
		Softcap:      softcap,
		Hardcap:      hardcap,
		Mode:         launchpad.ModeOpen,
		StartTime:    clock,
		EndTime:      clock.Add(time.Hour),
	})
	if err != nil {
		log.Fatalf("create sale: %v", err)
	}

	pair := launchpad.AssetPair{Base: "TKN", Payment: "USDT"}
	if err := svc.Contribute(ctx, sale.ID, "alice", pair, maxBuy); err != nil {
		log.Fatalf("alice contribute: %v", err)
	}
	if err := svc.Contribute(ctx, sale.ID, "bob", pair, hardcap-maxBuy); err != nil {
		log.Fatalf("bob contribute: %v", err)
	}

	// Hardcap reached; advance past the window and settle.
	clock = clock.Add(2 * time.Hour)

	if err := svc.Finalize(ctx, sale.ID, "owner"); err != nil {
		log.Fatalf("finalize: %v", err)
	}
	aliceTokens, err := svc.Claim(ctx, sale.ID, "alice", pair)
	if err != nil {
		log.Fatalf("alice claim: %v", err)
	}
	bobTokens, err := svc.Claim(ctx, sale.ID, "bob", pair)
	if err != nil {
		log.Fatalf("bob claim: %v", err)
	}

	wantAlice := int64(maxBuy) * price / launchpad.PriceScale
	wantBob := int64(hardcap-maxBuy) * price / launchpad.PriceScale
	if aliceTokens != wantAlice || bobTokens != wantBob {
		log.Fatalf("unexpected claims: alice=%d want %d, bob=%d want %d",
			aliceTokens, wantAlice, bobTokens, wantBob)
	}

	ownerUSDT, err := led.GetBalance(ctx, "owner", "USDT")
	if err != nil {
		log.Fatalf("owner balance: %v", err)
	}
	if ownerUSDT.Amount != hardcap {
		log.Fatalf("owner raised %d USDT, want %d", ownerUSDT.Amount, int64(hardcap))
	}
	escrowTKN, err := led.GetBalance(ctx, "escrow", "TKN")
	if err != nil {
		log.Fatalf("escrow balance: %v", err)
	}
	if escrowTKN.Amount != 0 {
		log.Fatalf("escrow still holds %d TKN after settlement", escrowTKN.Amount)
	}

	fmt.Printf("launchpad smoke test passed: sale=%s raised=%d claims=%d+%d\n",
		sale.ID, ownerUSDT.Amount, aliceTokens, bobTokens)
}

func mustAccount(ctx context.Context, led *ledger.InMemory, id, asset string, amount int64) {
	if _, err := led.CreateAccountWithID(ctx, id, ledger.Money{Asset: asset, Amount: amount}); err != nil {
		log.Fatalf("create account %s: %v", id, err)
	}
}
