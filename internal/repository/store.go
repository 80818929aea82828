package repository

// Store groups the repositories over one database handle.
type Store struct {
	DB            *DB
	Orders        *OrderRepo
	Accounts      *AccountRepo
	Rates         *RateRepo
	Receipts      *ReceiptRepo
	Discrepancies *DiscrepancyRepo
	Ledger        *LedgerRepo
}

func NewStore(db *DB) *Store {
	return &Store{
		DB:            db,
		Orders:        NewOrderRepo(db),
		Accounts:      NewAccountRepo(db),
		Rates:         NewRateRepo(db),
		Receipts:      NewReceiptRepo(db),
		Discrepancies: NewDiscrepancyRepo(db),
		Ledger:        NewLedgerRepo(db),
	}
}

func (s *Store) Close() error {
	return s.DB.Close()
}
