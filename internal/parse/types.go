package parse

// ParsedProduct is one validated feed row, normalized and ready for identity
// resolution.
type ParsedProduct struct {
	RowNumber int

	Title       string
	URL         string
	ImageURL    string
	Brand       string
	Category    string
	Caliber     string
	GrainWeight string
	RoundCount  string
	Description string

	NetworkItemID string
	SKU           string
	UPC           string

	Price         float64 // rounded to 2 decimals, > 0
	OriginalPrice *float64
	PriceType     string // REGULAR | SALE
	InStock       bool
}

const (
	PriceTypeRegular = "REGULAR"
	PriceTypeSale    = "SALE"
)

// RowError is a per-row diagnostic captured during parsing.
type RowError struct {
	RowNumber int
	Code      string
	Message   string
	Sample    string
}

// Diagnostic codes.
const (
	CodeMissingRequired = "MISSING_REQUIRED_FIELD"
	CodeInvalidPrice    = "INVALID_PRICE"
	CodeInvalidURL      = "INVALID_URL"
	CodeTooManyRows     = "TOO_MANY_ROWS"
	CodeMissingHeader   = "MISSING_HEADER"
)

// Result is the outcome of parsing one feed file.
type Result struct {
	Products   []ParsedProduct
	RowsRead   int
	RowsParsed int
	Errors     []RowError
}
