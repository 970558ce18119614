package kite

// SessionData is the payload of a successful token exchange.
type SessionData struct {
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	AccessToken string `json:"access_token"`
	PublicToken string `json:"public_token"`
	LoginTime   string `json:"login_time"`
}

type Profile struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Email    string `json:"email"`
	Broker   string `json:"broker"`
}

type Holding struct {
	Tradingsymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	ISIN            string  `json:"isin"`
	InstrumentToken uint32  `json:"instrument_token"`
	Product         string  `json:"product"`
	Quantity        float64 `json:"quantity"`
	T1Quantity      float64 `json:"t1_quantity"`
	AveragePrice    float64 `json:"average_price"`
	LastPrice       float64 `json:"last_price"`
	ClosePrice      float64 `json:"close_price"`
	PnL             float64 `json:"pnl"`
	DayChange       float64 `json:"day_change"`
	DayChangePct    float64 `json:"day_change_percentage"`
}

type Position struct {
	Tradingsymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	Product         string  `json:"product"`
	InstrumentToken uint32  `json:"instrument_token"`
	Quantity        float64 `json:"quantity"`
	AveragePrice    float64 `json:"average_price"`
	LastPrice       float64 `json:"last_price"`
	Value           float64 `json:"value"`
	PnL             float64 `json:"pnl"`
	M2M             float64 `json:"m2m"`
}

// Positions mirrors the API shape: net is the consolidated view, day the
// intraday splits.
type Positions struct {
	Net []Position `json:"net"`
	Day []Position `json:"day"`
}

type Margins struct {
	Enabled   bool    `json:"enabled"`
	Net       float64 `json:"net"`
	Available struct {
		Cash       float64 `json:"cash"`
		Collateral float64 `json:"collateral"`
	} `json:"available"`
	Utilised struct {
		Debits   float64 `json:"debits"`
		Span     float64 `json:"span"`
		Exposure float64 `json:"exposure"`
	} `json:"utilised"`
}

// OrderParams describes one hypothetical order for the batched margin
// calculation endpoint.
type OrderParams struct {
	Exchange        string  `json:"exchange"`
	Tradingsymbol   string  `json:"tradingsymbol"`
	TransactionType string  `json:"transaction_type"`
	Variety         string  `json:"variety"`
	Product         string  `json:"product"`
	OrderType       string  `json:"order_type"`
	Quantity        float64 `json:"quantity"`
	Price           float64 `json:"price"`
}

type OrderMargins struct {
	Tradingsymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Total         float64 `json:"total"`
}
