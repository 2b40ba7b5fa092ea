package model

import (
	"encoding/json"
	"fmt"
)

// Message types exchanged with a peer.
const (
	TypeRegisterForCoinUpdates = "register_for_coin_updates"
	TypeRespondToCoinUpdates   = "respond_to_coin_updates"
	TypeRegisterForPhUpdates   = "register_for_ph_updates"
	TypeRespondToPhUpdates     = "respond_to_ph_updates"
	TypeRequestChildren        = "request_children"
	TypeRespondChildren        = "respond_children"
	TypeRequestCoinState       = "request_coin_state"
	TypeRespondCoinState       = "respond_coin_state"
	TypeRejectCoinState        = "reject_coin_state"
	TypeRequestPuzzleState     = "request_puzzle_state"
	TypeRespondPuzzleState     = "respond_puzzle_state"
	TypeRejectPuzzleState      = "reject_puzzle_state"
	TypeSendTransaction        = "send_transaction"
	TypeTransactionAck         = "transaction_ack"
	TypeCoinStateUpdate        = "coin_state_update"
	TypeReject                 = "reject"
)

// Message is the envelope of every websocket frame. Requests and their
// responses share an ID; pushed updates have none.
type Message struct {
	Type string          `json:"type"`
	ID   *uint16         `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals data into an envelope.
func NewMessage(msgType string, id *uint16, data interface{}) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, ID: id, Data: raw}, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	return json.Unmarshal(m.Data, v)
}

// Protocol error codes carried by reject messages.
const (
	ErrCodeParse         = 1
	ErrCodeInvalidParams = 2
	ErrCodeUnknownMethod = 3
	ErrCodeInternal      = 4
)

// ProtocolError rejects a single request. The connection stays open.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

func NewParseError(msg string) *ProtocolError {
	return &ProtocolError{Code: ErrCodeParse, Message: msg}
}

func NewInvalidParamsError(msg string) *ProtocolError {
	return &ProtocolError{Code: ErrCodeInvalidParams, Message: msg}
}

func NewUnknownMethodError(msg string) *ProtocolError {
	return &ProtocolError{Code: ErrCodeUnknownMethod, Message: msg}
}

func NewInternalError(msg string) *ProtocolError {
	return &ProtocolError{Code: ErrCodeInternal, Message: msg}
}

type RegisterForCoinUpdates struct {
	CoinIDs   []Bytes32 `json:"coin_ids"`
	MinHeight uint32    `json:"min_height"`
}

type RespondToCoinUpdates struct {
	CoinIDs    []Bytes32   `json:"coin_ids"`
	MinHeight  uint32      `json:"min_height"`
	CoinStates []CoinState `json:"coin_states"`
}

type RegisterForPhUpdates struct {
	PuzzleHashes []Bytes32 `json:"puzzle_hashes"`
	MinHeight    uint32    `json:"min_height"`
	// Filters defaults to AllCoins when absent.
	Filters            *CoinStateFilters `json:"filters,omitempty"`
	IncludeUnconfirmed bool              `json:"include_unconfirmed"`
}

type RespondToPhUpdates struct {
	PuzzleHashes []Bytes32   `json:"puzzle_hashes"`
	MinHeight    uint32      `json:"min_height"`
	CoinStates   []CoinState `json:"coin_states"`
}

type RequestChildren struct {
	CoinName Bytes32 `json:"coin_name"`
}

type RespondChildren struct {
	CoinStates []CoinState `json:"coin_states"`
}

type RequestCoinState struct {
	CoinIDs        []Bytes32 `json:"coin_ids"`
	PreviousHeight *uint32   `json:"previous_height"`
	HeaderHash     Bytes32   `json:"header_hash"`
	Subscribe      bool      `json:"subscribe"`
}

type RespondCoinState struct {
	CoinIDs    []Bytes32   `json:"coin_ids"`
	CoinStates []CoinState `json:"coin_states"`
}

type RejectCoinState struct {
	Reason string `json:"reason"`
}

type RequestPuzzleState struct {
	PuzzleHashes          []Bytes32        `json:"puzzle_hashes"`
	PreviousHeight        *uint32          `json:"previous_height"`
	HeaderHash            Bytes32          `json:"header_hash"`
	Filters               CoinStateFilters `json:"filters"`
	SubscribeWhenFinished bool             `json:"subscribe_when_finished"`
}

type RespondPuzzleState struct {
	PuzzleHashes []Bytes32   `json:"puzzle_hashes"`
	Height       uint32      `json:"height"`
	HeaderHash   Bytes32     `json:"header_hash"`
	IsFinished   bool        `json:"is_finished"`
	CoinStates   []CoinState `json:"coin_states"`
}

type RejectPuzzleState struct {
	Reason string `json:"reason"`
}

// Transaction ack statuses.
const (
	TxStatusSuccess = 1
	TxStatusFailed  = 3
)

type SendTransaction struct {
	Transaction SpendBundle `json:"transaction"`
}

type TransactionAck struct {
	TxID   Bytes32 `json:"txid"`
	Status uint8   `json:"status"`
	Error  string  `json:"error,omitempty"`
}
