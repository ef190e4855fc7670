package models

import "testing"

func TestDecodeInboundArray(t *testing.T) {
	data := []byte(`[{"T":"b","S":"AAPL","o":189.5,"h":190.2,"l":189.1,"c":190.0,"v":120432,"t":1718029500000},{"T":"q","S":"AAPL","bp":189.98,"bs":2,"ap":190.02,"as":3,"t":1718029500100},{"T":"t","S":"AAPL","p":190.01,"s":100,"t":1718029500200}]`)

	msgs, err := DecodeInbound(data)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("decoded %d messages, want 3", len(msgs))
	}

	bar := msgs[0]
	if bar.Type != MsgTypeBar || bar.Bar == nil {
		t.Fatalf("first message = %+v, want bar", bar)
	}
	if bar.Bar.Symbol != "AAPL" || bar.Bar.Open != 189.5 || bar.Bar.Close != 190.0 || bar.Bar.Volume != 120432 {
		t.Fatalf("bar fields = %+v", bar.Bar)
	}
	if bar.Symbol() != "AAPL" {
		t.Fatalf("bar.Symbol() = %q", bar.Symbol())
	}

	quote := msgs[1]
	if quote.Type != MsgTypeQuote || quote.Quote.BidPrice != 189.98 || quote.Quote.AskSize != 3 {
		t.Fatalf("quote = %+v", quote.Quote)
	}

	trade := msgs[2]
	if trade.Type != MsgTypeTrade || trade.Trade.Price != 190.01 || trade.Trade.Size != 100 {
		t.Fatalf("trade = %+v", trade.Trade)
	}
}

func TestDecodeInboundSingleObject(t *testing.T) {
	msgs, err := DecodeInbound([]byte(`{"T":"success","msg":"authenticated"}`))
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("decoded %d messages, want 1", len(msgs))
	}
	if msgs[0].Type != MsgTypeSuccess || msgs[0].SuccessMsg != "authenticated" {
		t.Fatalf("message = %+v", msgs[0])
	}
	if msgs[0].Symbol() != "" {
		t.Fatalf("control message Symbol() = %q, want empty", msgs[0].Symbol())
	}
}

func TestDecodeInboundErrorMessage(t *testing.T) {
	msgs, err := DecodeInbound([]byte(`[{"T":"error","code":402,"msg":"auth failed"}]`))
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if msgs[0].Type != MsgTypeError || msgs[0].ErrCode != 402 || msgs[0].ErrMsg != "auth failed" {
		t.Fatalf("message = %+v", msgs[0])
	}
}

func TestDecodeInboundUnknownTypeSkipsMessage(t *testing.T) {
	data := []byte(`[{"T":"x","S":"AAPL"},{"T":"t","S":"AAPL","p":190.01,"s":100,"t":1}]`)
	msgs, err := DecodeInbound(data)
	if err == nil {
		t.Fatal("unknown discriminator did not report an error")
	}
	if len(msgs) != 1 || msgs[0].Type != MsgTypeTrade {
		t.Fatalf("decoded %v, want the trade to survive", msgs)
	}
}

func TestDecodeInboundMalformed(t *testing.T) {
	if _, err := DecodeInbound([]byte(`{not json`)); err == nil {
		t.Fatal("malformed frame decoded without error")
	}
	if _, err := DecodeInbound([]byte(`{"S":"AAPL"}`)); err == nil {
		t.Fatal("frame without discriminator decoded without error")
	}
}

func TestNewAuthRequest(t *testing.T) {
	req := NewAuthRequest("k", "s")
	if req.Action != "auth" || req.Key != "k" || req.Secret != "s" {
		t.Fatalf("auth request = %+v", req)
	}
}

func TestSubscribeRequestEmpty(t *testing.T) {
	if !(SubscribeRequest{Action: "subscribe"}).Empty() {
		t.Fatal("request with no symbols is not Empty")
	}
	if (SubscribeRequest{Quotes: []string{"AAPL"}}).Empty() {
		t.Fatal("request with a quote symbol reports Empty")
	}
}
