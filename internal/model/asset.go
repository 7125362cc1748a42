package model

import "time"

// Asset is an uploaded source file. Immutable after creation; never deleted
// while any run references it.
type Asset struct {
	ID           string    `json:"id"`
	StorageKey   string    `json:"storage_key"`
	OriginalName string    `json:"original_name"`
	ContentType  string    `json:"content_type"`
	SizeBytes    int64     `json:"size_bytes"`
	Checksum     string    `json:"checksum,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SpendRow is one imported transaction, keyed (asset_id, row_hash) so that
// re-running the import stage cannot duplicate rows.
type SpendRow struct {
	ID           string    `json:"id"`
	AssetID      string    `json:"asset_id"`
	RowHash      string    `json:"row_hash"`
	BuyerID      string    `json:"buyer_id,omitempty"`
	SupplierID   string    `json:"supplier_id,omitempty"`
	BuyerName    string    `json:"buyer_name"`
	SupplierName string    `json:"supplier_name"`
	AmountPence  int64     `json:"amount_pence"`
	TxDate       time.Time `json:"tx_date"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
