package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type discriminators used by the provider. Every inbound frame
// carries one of these in its "T" field.
const (
	MsgTypeSuccess = "success"
	MsgTypeError   = "error"
	MsgTypeBar     = "b"
	MsgTypeQuote   = "q"
	MsgTypeTrade   = "t"
)

// Bar is an aggregated open/high/low/close/volume sample for one symbol
// over a fixed time bucket.
type Bar struct {
	Symbol    string  `json:"S"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
	Timestamp int64   `json:"t"`
}

// Time converts the bar timestamp (unix milliseconds) to time.Time.
func (b Bar) Time() time.Time {
	return time.UnixMilli(b.Timestamp).UTC()
}

// Quote is a bid/ask snapshot for one symbol.
type Quote struct {
	Symbol    string  `json:"S"`
	BidPrice  float64 `json:"bp"`
	BidSize   float64 `json:"bs"`
	AskPrice  float64 `json:"ap"`
	AskSize   float64 `json:"as"`
	Timestamp int64   `json:"t"`
}

// Trade is a single executed trade for one symbol.
type Trade struct {
	Symbol    string  `json:"S"`
	Price     float64 `json:"p"`
	Size      float64 `json:"s"`
	Timestamp int64   `json:"t"`
}

// InboundMessage is the decoded form of one provider frame. Exactly one
// of the payload fields is populated, selected by Type.
type InboundMessage struct {
	Type string

	// Type == MsgTypeSuccess
	SuccessMsg string

	// Type == MsgTypeError
	ErrCode int
	ErrMsg  string

	// Type == MsgTypeBar / MsgTypeQuote / MsgTypeTrade
	Bar   *Bar
	Quote *Quote
	Trade *Trade
}

// Symbol reports the symbol the message is tagged with, or "" for
// control messages.
func (m InboundMessage) Symbol() string {
	switch m.Type {
	case MsgTypeBar:
		return m.Bar.Symbol
	case MsgTypeQuote:
		return m.Quote.Symbol
	case MsgTypeTrade:
		return m.Trade.Symbol
	}
	return ""
}

// rawMessage mirrors the provider frame with all possible fields present
// so a single unmarshal pass can feed every message kind.
type rawMessage struct {
	Type string `json:"T"`
	Msg  string `json:"msg"`
	Code int    `json:"code"`

	Symbol string `json:"S"`

	Open  float64 `json:"o"`
	High  float64 `json:"h"`
	Low   float64 `json:"l"`
	Close float64 `json:"c"`
	Vol   float64 `json:"v"`

	BidPrice float64 `json:"bp"`
	BidSize  float64 `json:"bs"`
	AskPrice float64 `json:"ap"`
	AskSize  float64 `json:"as"`

	Price float64 `json:"p"`
	Size  float64 `json:"s"`

	Timestamp int64 `json:"t"`
}

func (r rawMessage) decode() (InboundMessage, error) {
	switch r.Type {
	case MsgTypeSuccess:
		return InboundMessage{Type: MsgTypeSuccess, SuccessMsg: r.Msg}, nil
	case MsgTypeError:
		return InboundMessage{Type: MsgTypeError, ErrCode: r.Code, ErrMsg: r.Msg}, nil
	case MsgTypeBar:
		return InboundMessage{Type: MsgTypeBar, Bar: &Bar{
			Symbol:    r.Symbol,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Vol,
			Timestamp: r.Timestamp,
		}}, nil
	case MsgTypeQuote:
		return InboundMessage{Type: MsgTypeQuote, Quote: &Quote{
			Symbol:    r.Symbol,
			BidPrice:  r.BidPrice,
			BidSize:   r.BidSize,
			AskPrice:  r.AskPrice,
			AskSize:   r.AskSize,
			Timestamp: r.Timestamp,
		}}, nil
	case MsgTypeTrade:
		return InboundMessage{Type: MsgTypeTrade, Trade: &Trade{
			Symbol:    r.Symbol,
			Price:     r.Price,
			Size:      r.Size,
			Timestamp: r.Timestamp,
		}}, nil
	case "":
		return InboundMessage{}, fmt.Errorf("message missing T discriminator")
	default:
		return InboundMessage{}, fmt.Errorf("unknown message type %q", r.Type)
	}
}

// DecodeInbound parses one provider frame. The provider sends either a
// single JSON object or an array of objects; both shapes are accepted.
// Messages with an unknown discriminator produce an error but do not
// prevent the rest of an array from decoding.
func DecodeInbound(data []byte) ([]InboundMessage, error) {
	var raws []rawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		var single rawMessage
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return nil, fmt.Errorf("decode inbound frame: %w", err2)
		}
		raws = []rawMessage{single}
	}

	msgs := make([]InboundMessage, 0, len(raws))
	var firstErr error
	for _, r := range raws {
		msg, err := r.decode()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, firstErr
}

// AuthRequest is the first frame sent on every connection.
type AuthRequest struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// NewAuthRequest builds the authentication frame for the given credential
// pair.
func NewAuthRequest(key, secret string) AuthRequest {
	return AuthRequest{Action: "auth", Key: key, Secret: secret}
}

// SubscribeRequest subscribes or unsubscribes symbol lists per event
// category. Action is "subscribe" or "unsubscribe".
type SubscribeRequest struct {
	Action string   `json:"action"`
	Bars   []string `json:"bars,omitempty"`
	Quotes []string `json:"quotes,omitempty"`
	Trades []string `json:"trades,omitempty"`
}

// Empty reports whether the request names no symbols at all.
func (r SubscribeRequest) Empty() bool {
	return len(r.Bars) == 0 && len(r.Quotes) == 0 && len(r.Trades) == 0
}
