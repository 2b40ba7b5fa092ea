package model

// Admin HTTP API payloads.

type HeightReply struct {
	Height           uint32  `json:"height"`
	PeakHash         Bytes32 `json:"peak_hash"`
	GenesisChallenge Bytes32 `json:"genesis_challenge"`
	Coins            int     `json:"coins"`
}

type CoinStateRequest struct {
	CoinIDs   []Bytes32 `json:"coin_ids" binding:"required"`
	MinHeight uint32    `json:"min_height"`
}

type ChildrenRequest struct {
	CoinID Bytes32 `json:"coin_id" binding:"required"`
}

// PuzzleStateRequest selects coins by address or hex puzzle hash.
type PuzzleStateRequest struct {
	Address   string            `json:"address" binding:"required"`
	MinHeight uint32            `json:"min_height"`
	Filters   *CoinStateFilters `json:"filters"`
	Page      int               `json:"page"`
	PageSize  int               `json:"page_size"`
}

type PuzzleStateReply struct {
	Address    string      `json:"address"`
	PuzzleHash Bytes32     `json:"puzzle_hash"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalSize  int         `json:"total_size"`
	CoinStates []CoinState `json:"coin_states"`
}

type MintRequest struct {
	Address string `json:"address" binding:"required"`
	Amount  uint64 `json:"amount"`
}

type MintReply struct {
	CoinID Bytes32 `json:"coin_id"`
	Coin   Coin    `json:"coin"`
}

type HintRequest struct {
	CoinID Bytes32 `json:"coin_id" binding:"required"`
	Hint   Bytes32 `json:"hint" binding:"required"`
}

type SubscriptionInfo struct {
	Session      uint64 `json:"session"`
	CoinIDs      int    `json:"coin_ids"`
	PuzzleHashes int    `json:"puzzle_hashes"`
}
