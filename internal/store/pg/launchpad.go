package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"launchpad.org/internal/ids"
	"launchpad.org/internal/launchpad"
	"launchpad.org/internal/stream"
)

// The sale registry methods run the whole read-check-mutate-transfer sequence
// inside one serializable transaction with the sale row locked FOR UPDATE, so
// concurrent writers against the same sale serialize exactly like the
// in-memory per-sale mutex.

const saleColumns = `
	id, owner, created_at, name, base_asset, payment_asset,
	price, min_buy, max_buy, softcap, hardcap, mode,
	start_time, end_time, total_raised, finalized,
	links, vesting_description, vesting_percentages`

func scanSale(scan func(...any) error) (launchpad.Sale, error) {
	var s launchpad.Sale
	var mode string
	var links, percentages []byte
	err := scan(
		&s.ID, &s.Owner, &s.CreatedAt, &s.Name, &s.BaseAsset, &s.PaymentAsset,
		&s.Price, &s.MinBuy, &s.MaxBuy, &s.Softcap, &s.Hardcap, &mode,
		&s.StartTime, &s.EndTime, &s.TotalRaised, &s.Finalized,
		&links, &s.VestingDescription, &percentages,
	)
	if err != nil {
		return launchpad.Sale{}, err
	}
	s.Mode = launchpad.SaleMode(mode)
	if len(links) > 0 {
		if err := json.Unmarshal(links, &s.Links); err != nil {
			return launchpad.Sale{}, fmt.Errorf("decode links: %w", err)
		}
	}
	if len(percentages) > 0 {
		if err := json.Unmarshal(percentages, &s.VestingPercentages); err != nil {
			return launchpad.Sale{}, fmt.Errorf("decode vesting percentages: %w", err)
		}
	}
	return s, nil
}

func (s *Store) CreateSale(ctx context.Context, owner string, p launchpad.SaleParams) (launchpad.Sale, error) {
	if strings.TrimSpace(owner) == "" {
		return launchpad.Sale{}, fmt.Errorf("%w: owner is required", launchpad.ErrInvalidParams)
	}
	if err := launchpad.ValidateParams(p); err != nil {
		return launchpad.Sale{}, err
	}
	deposit, err := launchpad.SettlementAmount(p.Hardcap, p.Price)
	if err != nil {
		return launchpad.Sale{}, fmt.Errorf("%w: hardcap*price does not fit", launchpad.ErrInvalidParams)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return launchpad.Sale{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if deposit > 0 {
		if _, err := moveFunds(ctx, tx, owner, s.cfg.EscrowAccount, p.BaseAsset, deposit); err != nil {
			return launchpad.Sale{}, fmt.Errorf("escrow initial deposit: %w", err)
		}
	}
	if s.cfg.FeeAmount > 0 {
		if _, err := moveFunds(ctx, tx, owner, s.cfg.EscrowAccount, s.cfg.FeeAsset, s.cfg.FeeAmount); err != nil {
			return launchpad.Sale{}, fmt.Errorf("collect platform fee: %w", err)
		}
	}

	now := s.now().UTC()
	saleID := ids.New()
	links, err := json.Marshal(p.Links)
	if err != nil {
		return launchpad.Sale{}, err
	}
	percentages, err := json.Marshal(p.VestingPercentages)
	if err != nil {
		return launchpad.Sale{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into sales(
			id, owner, created_at, name, base_asset, payment_asset,
			price, min_buy, max_buy, softcap, hardcap, mode,
			start_time, end_time, total_raised, finalized,
			links, vesting_description, vesting_percentages)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,0,false,$15,$16,$17)
	`, saleID, owner, now, p.Name, p.BaseAsset, p.PaymentAsset,
		p.Price, p.MinBuy, p.MaxBuy, p.Softcap, p.Hardcap, string(p.Mode),
		p.StartTime.UTC(), p.EndTime.UTC(), links, p.VestingDescription, percentages); err != nil {
		return launchpad.Sale{}, err
	}
	for _, acc := range p.Whitelist {
		if _, err := tx.ExecContext(ctx, `
			insert into sale_whitelist(sale_id, account)
			values ($1,$2) on conflict do nothing
		`, saleID, acc); err != nil {
			return launchpad.Sale{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return launchpad.Sale{}, err
	}

	s.publish(stream.SaleCreated(owner, saleID, now))
	return s.GetSale(ctx, saleID)
}

func (s *Store) Contribute(ctx context.Context, saleID, buyer string, assets launchpad.AssetPair, amount int64) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := lockSale(ctx, tx, saleID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	if now.Before(sale.StartTime) || !now.Before(sale.EndTime) {
		return launchpad.ErrNotOpenForContribution
	}
	if sale.TotalRaised+amount > sale.Hardcap {
		return launchpad.ErrCapExceeded
	}
	if sale.Mode == launchpad.ModeWhitelisted {
		var dummy int
		err := tx.QueryRowContext(ctx, `
			select 1 from sale_whitelist where sale_id=$1 and account=$2
		`, saleID, buyer).Scan(&dummy)
		if errors.Is(err, sql.ErrNoRows) {
			return launchpad.ErrNotWhitelisted
		}
		if err != nil {
			return err
		}
	}
	prior, err := lockContribution(ctx, tx, saleID, buyer)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	newTotal := prior + amount
	if newTotal > sale.MaxBuy {
		return launchpad.ErrCapExceeded
	}
	if newTotal < sale.MinBuy {
		return launchpad.ErrBelowMinimum
	}
	if assets.Base != sale.BaseAsset || assets.Payment != sale.PaymentAsset {
		return launchpad.ErrAssetMismatch
	}

	if _, err := moveFunds(ctx, tx, buyer, s.cfg.EscrowAccount, sale.PaymentAsset, amount); err != nil {
		return fmt.Errorf("escrow contribution: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into sale_contributions(sale_id, account, amount)
		values ($1,$2,$3)
		on conflict (sale_id, account) do update
		set amount = sale_contributions.amount + excluded.amount
	`, saleID, buyer, amount); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update sales set total_raised = total_raised + $2 where id=$1
	`, saleID, amount); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into participations(account, sale_id, amount, created_at)
		values ($1,$2,$3,$4)
	`, buyer, saleID, amount, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.publish(stream.Contribution(buyer, saleID, amount, false, now))
	return nil
}

func (s *Store) Claim(ctx context.Context, saleID, buyer string, assets launchpad.AssetPair) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := lockSale(ctx, tx, saleID)
	if err != nil {
		return 0, err
	}
	if assets.Base != sale.BaseAsset || assets.Payment != sale.PaymentAsset {
		return 0, launchpad.ErrAssetMismatch
	}
	if sale.TotalRaised < sale.Softcap || s.now().UTC().Before(sale.EndTime) {
		return 0, launchpad.ErrNotReadyToClaim
	}

	contribution, err := lockContribution(ctx, tx, saleID, buyer)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	claim, err := launchpad.SettlementAmount(contribution, sale.Price)
	if err != nil {
		return 0, err
	}
	if claim > 0 {
		if _, err := moveFunds(ctx, tx, s.cfg.EscrowAccount, buyer, sale.BaseAsset, claim); err != nil {
			return 0, fmt.Errorf("release claim: %w", err)
		}
	}
	if contribution != 0 {
		if _, err := tx.ExecContext(ctx, `
			update sale_contributions set amount = 0 where sale_id=$1 and account=$2
		`, saleID, buyer); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return claim, nil
}

func (s *Store) Refund(ctx context.Context, saleID, buyer string, assets launchpad.AssetPair, amount int64) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := lockSale(ctx, tx, saleID)
	if err != nil {
		return err
	}
	if assets.Base != sale.BaseAsset || assets.Payment != sale.PaymentAsset {
		return launchpad.ErrAssetMismatch
	}
	if sale.TotalRaised >= sale.Softcap {
		return launchpad.ErrNotEligibleForRefund
	}
	contribution, err := lockContribution(ctx, tx, saleID, buyer)
	if errors.Is(err, sql.ErrNoRows) {
		return launchpad.ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	if amount > contribution {
		return launchpad.ErrRefundAmountTooHigh
	}

	if _, err := moveFunds(ctx, tx, s.cfg.EscrowAccount, buyer, sale.PaymentAsset, amount); err != nil {
		return fmt.Errorf("release refund: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		update sale_contributions set amount = amount - $3 where sale_id=$1 and account=$2
	`, saleID, buyer, amount); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update sales set total_raised = total_raised - $2 where id=$1
	`, saleID, amount); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.publish(stream.Contribution(buyer, saleID, amount, true, s.now().UTC()))
	return nil
}

func (s *Store) Finalize(ctx context.Context, saleID, caller string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := lockSale(ctx, tx, saleID)
	if err != nil {
		return err
	}
	if caller != sale.Owner {
		return launchpad.ErrUnauthorized
	}
	if sale.Finalized {
		return launchpad.ErrAlreadyFinalized
	}
	if s.now().UTC().Before(sale.EndTime) {
		return launchpad.ErrSaleNotYetEnded
	}

	if sale.TotalRaised >= sale.Softcap {
		if sale.TotalRaised > 0 {
			if _, err := moveFunds(ctx, tx, s.cfg.EscrowAccount, sale.Owner, sale.PaymentAsset, sale.TotalRaised); err != nil {
				return fmt.Errorf("disburse raised funds: %w", err)
			}
		}
		remainder, err := launchpad.SettlementAmount(sale.Hardcap-sale.TotalRaised, sale.Price)
		if err != nil {
			return err
		}
		if remainder > 0 {
			if _, err := moveFunds(ctx, tx, s.cfg.EscrowAccount, sale.Owner, sale.BaseAsset, remainder); err != nil {
				return fmt.Errorf("return unsold tokens: %w", err)
			}
		}
	} else {
		deposit, err := launchpad.SettlementAmount(sale.Hardcap, sale.Price)
		if err != nil {
			return err
		}
		if deposit > 0 {
			if _, err := moveFunds(ctx, tx, s.cfg.EscrowAccount, sale.Owner, sale.BaseAsset, deposit); err != nil {
				return fmt.Errorf("return token escrow: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `update sales set finalized = true where id=$1`, saleID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetSale(ctx context.Context, saleID string) (launchpad.Sale, error) {
	row := s.db.QueryRowContext(ctx, `select `+saleColumns+` from sales where id=$1`, saleID)
	sale, err := scanSale(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return launchpad.Sale{}, launchpad.ErrSaleNotFound
	}
	if err != nil {
		return launchpad.Sale{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select account from sale_whitelist where sale_id=$1 order by account
	`, saleID)
	if err != nil {
		return launchpad.Sale{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var acc string
		if err := rows.Scan(&acc); err != nil {
			return launchpad.Sale{}, err
		}
		sale.Whitelist = append(sale.Whitelist, acc)
	}
	return sale, rows.Err()
}

func (s *Store) ListSales(ctx context.Context, limit int, afterID string) ([]launchpad.Sale, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+saleColumns+` from sales
		where id > $1
		order by id asc
		limit $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []launchpad.Sale
	for rows.Next() {
		sale, err := scanSale(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, sale)
	}
	return res, rows.Err()
}

func (s *Store) AllowedContributionAmount(ctx context.Context, saleID, buyer string) (int64, error) {
	sale, err := s.GetSale(ctx, saleID)
	if err != nil {
		return 0, err
	}
	if sale.Mode == launchpad.ModeWhitelisted {
		found := false
		for _, acc := range sale.Whitelist {
			if acc == buyer {
				found = true
				break
			}
		}
		if !found {
			return 0, nil
		}
	}
	return sale.MaxBuy, nil
}

func (s *Store) GetContributedAmount(ctx context.Context, saleID, buyer string) (int64, error) {
	if _, err := s.GetSale(ctx, saleID); err != nil {
		return 0, err
	}
	var amount int64
	err := s.db.QueryRowContext(ctx, `
		select amount from sale_contributions where sale_id=$1 and account=$2
	`, saleID, buyer).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, launchpad.ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return amount, nil
}

func (s *Store) ListParticipations(ctx context.Context, account string) ([]launchpad.Participation, error) {
	rows, err := s.db.QueryContext(ctx, `
		select sale_id, amount, created_at
		from participations
		where account=$1
		order by id asc
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []launchpad.Participation
	for rows.Next() {
		var p launchpad.Participation
		if err := rows.Scan(&p.SaleID, &p.Amount, &p.Timestamp); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func lockSale(ctx context.Context, tx *sql.Tx, saleID string) (launchpad.Sale, error) {
	row := tx.QueryRowContext(ctx, `select `+saleColumns+` from sales where id=$1 for update`, saleID)
	sale, err := scanSale(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return launchpad.Sale{}, launchpad.ErrSaleNotFound
	}
	return sale, err
}

// lockContribution returns the buyer's current contribution with the row
// locked; sql.ErrNoRows is passed through for callers that distinguish a
// missing entry from a zero one.
func lockContribution(ctx context.Context, tx *sql.Tx, saleID, buyer string) (int64, error) {
	var amount int64
	err := tx.QueryRowContext(ctx, `
		select amount from sale_contributions where sale_id=$1 and account=$2 for update
	`, saleID, buyer).Scan(&amount)
	if err != nil {
		return 0, err
	}
	return amount, nil
}
