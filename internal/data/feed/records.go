package feed

// PriceUpdate is a normalized tick delivered by adapter push callbacks
type PriceUpdate struct {
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	Timestamp  int64   `json:"timestamp"` // unix ms
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
	Volume     float64 `json:"volume,omitempty"`
}

// AggregatedPrice is the merged result served to callers and stored in
// the cache. VotingRound is set only for entries in the voting keyspace.
type AggregatedPrice struct {
	Price       float64  `json:"price"`
	Timestamp   int64    `json:"timestamp"` // unix ms
	Sources     []string `json:"sources"`
	Confidence  float64  `json:"confidence"`
	VotingRound int64    `json:"votingRound,omitempty"`
}

// ExchangeVolume is one exchange's traded volume over a query window
type ExchangeVolume struct {
	Exchange string  `json:"exchange"`
	Volume   float64 `json:"volume"`
}
