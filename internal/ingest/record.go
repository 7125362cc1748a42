package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Record is one typed spend transaction extracted from an input row.
type Record struct {
	BuyerName     string
	BuyerPostcode string
	SupplierName  string
	AmountPence   int64
	TxDate        time.Time
	Description   string
}

// SkipError reports why a row could not become a Record. Reason matches the
// skip-reason vocabulary stored on skipped rows.
type SkipError struct {
	Reason string
	Detail string
}

func (e *SkipError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

// ColumnMap resolves header names to cell indexes. Built once per file.
type ColumnMap struct {
	Buyer         int
	BuyerPostcode int
	Supplier      int
	Amount        int
	Date          int
	Description   int
}

// Header aliases accepted for each required column, lowercased.
var headerAliases = map[string][]string{
	"buyer":          {"buyer", "buyer name", "organisation", "organisation name", "authority"},
	"buyer_postcode": {"buyer postcode", "postcode", "post code"},
	"supplier":       {"supplier", "supplier name", "vendor", "vendor name", "payee"},
	"amount":         {"amount", "amount paid", "net amount", "value", "payment amount"},
	"date":           {"date", "payment date", "transaction date", "tx date"},
	"description":    {"description", "expense description", "purpose", "detail"},
}

// MapHeader locates the required columns in a header row. Buyer, supplier,
// amount and date are mandatory; postcode and description are optional.
func MapHeader(header []string) (*ColumnMap, error) {
	find := func(key string) int {
		for _, alias := range headerAliases[key] {
			for i, h := range header {
				if strings.EqualFold(strings.TrimSpace(h), alias) {
					return i
				}
			}
		}
		return -1
	}

	cm := &ColumnMap{
		Buyer:         find("buyer"),
		BuyerPostcode: find("buyer_postcode"),
		Supplier:      find("supplier"),
		Amount:        find("amount"),
		Date:          find("date"),
		Description:   find("description"),
	}
	var missing []string
	if cm.Buyer < 0 {
		missing = append(missing, "buyer")
	}
	if cm.Supplier < 0 {
		missing = append(missing, "supplier")
	}
	if cm.Amount < 0 {
		missing = append(missing, "amount")
	}
	if cm.Date < 0 {
		missing = append(missing, "date")
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("ingest: header missing columns: %s", strings.Join(missing, ", "))
	}
	return cm, nil
}

// ParseRecord converts one data row into a Record. Failures return a
// *SkipError carrying the stored skip reason.
func (cm *ColumnMap) ParseRecord(cells []string) (*Record, error) {
	get := func(idx int) string {
		if idx < 0 || idx >= len(cells) {
			return ""
		}
		return strings.TrimSpace(cells[idx])
	}

	rec := &Record{
		BuyerName:     get(cm.Buyer),
		BuyerPostcode: get(cm.BuyerPostcode),
		SupplierName:  get(cm.Supplier),
		Description:   get(cm.Description),
	}
	if rec.BuyerName == "" {
		return nil, &SkipError{Reason: "missing_field", Detail: "buyer"}
	}
	if rec.SupplierName == "" {
		return nil, &SkipError{Reason: "missing_field", Detail: "supplier"}
	}

	pence, err := ParseAmountPence(get(cm.Amount))
	if err != nil {
		return nil, &SkipError{Reason: "bad_amount", Detail: get(cm.Amount)}
	}
	rec.AmountPence = pence

	date, err := ParseDate(get(cm.Date))
	if err != nil {
		return nil, &SkipError{Reason: "bad_date", Detail: get(cm.Date)}
	}
	rec.TxDate = date
	return rec, nil
}

// ParseAmountPence parses a currency amount into integer pence. Accepts an
// optional currency symbol, thousands separators, and parenthesised negatives.
func ParseAmountPence(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, eris.New("ingest: empty amount")
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.TrimPrefix(s, "£")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = s[1:]
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "ingest: parse amount %q", s)
	}
	pence := int64(math.Round(f * 100))
	if negative {
		pence = -pence
	}
	return pence, nil
}

// dateLayouts are tried in order. UK files mix all of these.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"Jan 2, 2006",
	time.RFC3339,
}

// ParseDate parses a transaction date, normalized to UTC midnight.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, eris.New("ingest: empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, eris.Errorf("ingest: unrecognized date %q", s)
}

// RowHash derives the idempotence key for a row: SHA-256 over the trimmed
// cells joined with a separator that cannot appear in a cell.
func RowHash(cells []string) string {
	h := sha256.New()
	for i, c := range cells {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(strings.TrimSpace(c)))
	}
	return hex.EncodeToString(h.Sum(nil))
}
