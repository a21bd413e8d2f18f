package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-engine/internal/model"
)

// DefaultSubject matches every kline subject "market.kline.<timeframe>.<symbol>".
const DefaultSubject = "market.kline.*.*"

// NATSSource subscribes to kline subjects and hands decoded bars to the router.
type NATSSource struct {
	nc      *nats.Conn
	subject string
	router  *Router
	log     *zap.Logger
}

// ConnectNATS dials url with unlimited reconnects. onState is told about
// connection changes (health reporting); it may be nil.
func ConnectNATS(url string, log *zap.Logger, onState func(connected bool)) (*nats.Conn, error) {
	notify := func(up bool) {
		if onState != nil {
			onState(up)
		}
	}
	nc, err := nats.Connect(url,
		nats.Name("stratengine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
			notify(false)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
			notify(true)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	notify(true)
	log.Info("nats connected", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

func NewNATSSource(nc *nats.Conn, subject string, router *Router, log *zap.Logger) *NATSSource {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSource{nc: nc, subject: subject, router: router, log: log}
}

// Run subscribes and blocks until ctx is cancelled.
func (s *NATSSource) Run(ctx context.Context) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		b, err := decodeNATSBar(msg.Subject, msg.Data)
		if err != nil {
			s.router.Reject("nats", err)
			s.log.Debug("dropping bad kline", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		s.router.Apply("nats", b)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", s.subject, err)
	}
	s.log.Info("subscribed to klines", zap.String("subject", s.subject))

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.log.Warn("nats unsubscribe failed", zap.Error(err))
	}
	return nil
}

// kline is the compact form published by kline aggregators: decimal OHLCV under
// single-letter keys, period instead of timeframe. Published klines are closed.
type kline struct {
	Symbol string          `json:"symbol"`
	Period string          `json:"period"`
	Open   decimal.Decimal `json:"o"`
	High   decimal.Decimal `json:"h"`
	Low    decimal.Decimal `json:"l"`
	Close  decimal.Decimal `json:"c"`
	Volume decimal.Decimal `json:"v"`
	Time   time.Time       `json:"t"`
}

// decodeNATSBar accepts the bar wire format or the compact kline form. Missing
// symbol or timeframe are taken from the subject.
func decodeNATSBar(subject string, data []byte) (model.Bar, error) {
	tf, sym := subjectKey(subject)

	var probe struct {
		Timeframe string          `json:"timeframe"`
		OpenTime  json.RawMessage `json:"open_time"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return model.Bar{}, fmt.Errorf("decode kline: %w", err)
	}
	if len(probe.OpenTime) > 0 {
		if b, err := model.DecodeBar(data); err == nil {
			return b, nil
		} else if sym == "" || tf == "" {
			return model.Bar{}, err
		}
		// Fill symbol/timeframe from the subject and retry.
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return model.Bar{}, fmt.Errorf("decode kline: %w", err)
		}
		if _, ok := m["symbol"]; !ok {
			m["symbol"], _ = json.Marshal(sym)
		}
		if _, ok := m["timeframe"]; !ok {
			m["timeframe"], _ = json.Marshal(tf)
		}
		filled, _ := json.Marshal(m)
		return model.DecodeBar(filled)
	}

	var k kline
	if err := json.Unmarshal(data, &k); err != nil {
		return model.Bar{}, fmt.Errorf("decode kline: %w", err)
	}
	if k.Symbol == "" {
		k.Symbol = sym
	}
	if k.Period == "" {
		k.Period = tf
	}
	if k.Symbol == "" || k.Period == "" || k.Time.IsZero() {
		return model.Bar{}, errors.New("decode kline: missing symbol, period or time")
	}
	return model.Bar{
		Key: model.InstrumentKey{Symbol: strings.ToUpper(k.Symbol), Timeframe: k.Period},
		Candle: model.Candle{
			OpenTime: k.Time.UTC(),
			Open:     k.Open.InexactFloat64(),
			High:     k.High.InexactFloat64(),
			Low:      k.Low.InexactFloat64(),
			Close:    k.Close.InexactFloat64(),
			Volume:   k.Volume.InexactFloat64(),
			IsFinal:  true,
		},
	}, nil
}

// subjectKey splits "market.kline.<tf>.<symbol>".
func subjectKey(subject string) (tf, symbol string) {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[0] != "market" || parts[1] != "kline" {
		return "", ""
	}
	return parts[2], parts[3]
}

// Subject returns the kline subject for an instrument.
func Subject(key model.InstrumentKey) string {
	return "market.kline." + key.Timeframe + "." + key.Symbol
}
