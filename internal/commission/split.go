package commission

import "github.com/shopspring/decimal"

// SharePlaces is the precision of one admin's share.
const SharePlaces = 6

// SplitEqually divides total into n shares that sum exactly to total. Each
// share is total/n truncated to SharePlaces; the truncation remainder goes
// to the first share.
func SplitEqually(total decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	share := total.Div(decimal.NewFromInt(int64(n))).Truncate(SharePlaces)
	shares := make([]decimal.Decimal, n)
	for i := range shares {
		shares[i] = share
	}
	remainder := total.Sub(share.Mul(decimal.NewFromInt(int64(n))))
	shares[0] = shares[0].Add(remainder)
	return shares
}
