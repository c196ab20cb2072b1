// Package upstream implements the Tick Normalizer (§4.2) and the Session
// Orchestrator (§4.5) that owns one broker WebSocket per account.
package upstream

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/marketstream/internal/domain"
)

// Packet length in bytes that distinguishes the three tick modes on the
// wire (§6.1).
const (
	lenLTP   = 8
	lenQuote = 44
	lenFull  = 184

	depthLevels = 5
)

// priceScale converts upstream integer paisa to rupees.
var priceScale = decimal.New(1, 2)

// BurstThreshold is the packet count at or above which a frame is counted
// in BurstsHandled (§4.2 "coalesces bursts"). Every frame, burst or not,
// is decoded in full and returned as one batch.
const BurstThreshold = 64

// TokenResolver answers whether a wire token is known, so unknown-token
// packets can be dropped per §4.2.
type TokenResolver interface {
	ByToken(token uint32) (domain.Instrument, bool)
}

// Normalizer decodes length-framed binary packets into canonical Tick
// records.
type Normalizer struct {
	instruments TokenResolver

	parseErrors   atomic.Uint64
	unknownTokens atomic.Uint64
	burstsHandled atomic.Uint64
}

// NewNormalizer builds a Normalizer backed by an instrument resolver.
func NewNormalizer(instruments TokenResolver) *Normalizer {
	return &Normalizer{instruments: instruments}
}

// ParseErrors returns the count of malformed frames dropped so far
// (tick_parse_errors).
func (n *Normalizer) ParseErrors() uint64 { return n.parseErrors.Load() }

// UnknownTokens returns the count of packets referencing an unrecognized
// instrument token.
func (n *Normalizer) UnknownTokens() uint64 { return n.unknownTokens.Load() }

// BurstsHandled returns how many frames carried ≥ BurstThreshold packets.
func (n *Normalizer) BurstsHandled() uint64 { return n.burstsHandled.Load() }

// Decode parses one inbound WebSocket frame into zero or more Ticks. A
// malformed frame increments ParseErrors and returns what could be
// recovered plus a non-nil error; callers must not tear down the
// connection on that error (§4.2 failure mode).
func (n *Normalizer) Decode(frame []byte) ([]domain.Tick, error) {
	if len(frame) < 2 {
		n.parseErrors.Add(1)
		return nil, fmt.Errorf("upstream: frame shorter than packet-count header")
	}

	count := int(binary.BigEndian.Uint16(frame[0:2]))
	if count >= BurstThreshold {
		n.burstsHandled.Add(1)
	}

	now := time.Now().UnixMicro()
	offset := 2
	ticks := make([]domain.Tick, 0, count)
	for i := 0; i < count; i++ {
		if offset+2 > len(frame) {
			n.parseErrors.Add(1)
			return ticks, fmt.Errorf("upstream: truncated length prefix for packet %d", i)
		}
		packetLen := int(binary.BigEndian.Uint16(frame[offset : offset+2]))
		offset += 2

		if offset+packetLen > len(frame) {
			n.parseErrors.Add(1)
			return ticks, fmt.Errorf("upstream: truncated payload for packet %d", i)
		}
		payload := frame[offset : offset+packetLen]
		offset += packetLen

		tick, ok, err := n.decodePacket(payload, now)
		if err != nil {
			n.parseErrors.Add(1)
			continue
		}
		if !ok {
			n.unknownTokens.Add(1)
			continue
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

// decodePacket dispatches by payload length. ok=false means the token was
// not recognized and the packet was intentionally dropped (not an error).
func (n *Normalizer) decodePacket(payload []byte, nowUS int64) (tick domain.Tick, ok bool, err error) {
	switch len(payload) {
	case lenLTP:
		return n.decodeLTP(payload, nowUS)
	case lenQuote:
		return n.decodeQuote(payload, nowUS)
	case lenFull:
		return n.decodeFull(payload, nowUS)
	default:
		return domain.Tick{}, false, fmt.Errorf("upstream: unrecognized packet length %d", len(payload))
	}
}

func (n *Normalizer) decodeLTP(p []byte, nowUS int64) (domain.Tick, bool, error) {
	token := binary.BigEndian.Uint32(p[0:4])
	if _, known := n.instruments.ByToken(token); !known {
		return domain.Tick{}, false, nil
	}
	return domain.Tick{
		Token:       token,
		Mode:        domain.ModeLTP,
		TimestampUS: nowUS,
		Source:      domain.SourceLive,
		LastPrice:   paisaToDecimal(binary.BigEndian.Uint32(p[4:8])),
	}, true, nil
}

func (n *Normalizer) decodeQuote(p []byte, nowUS int64) (domain.Tick, bool, error) {
	token := binary.BigEndian.Uint32(p[0:4])
	if _, known := n.instruments.ByToken(token); !known {
		return domain.Tick{}, false, nil
	}
	oi := int64(binary.BigEndian.Uint32(p[28:32]))
	return domain.Tick{
		Token:       token,
		Mode:        domain.ModeQuote,
		TimestampUS: nowUS,
		Source:      domain.SourceLive,
		LastPrice:   paisaToDecimal(binary.BigEndian.Uint32(p[4:8])),
		Volume:      int64(binary.BigEndian.Uint32(p[8:12])),
		BidPrice:    paisaToDecimal(binary.BigEndian.Uint32(p[12:16])),
		AskPrice:    paisaToDecimal(binary.BigEndian.Uint32(p[16:20])),
		BidQty:      int64(binary.BigEndian.Uint32(p[20:24])),
		AskQty:      int64(binary.BigEndian.Uint32(p[24:28])),
		OI:          &oi,
	}, true, nil
}

func (n *Normalizer) decodeFull(p []byte, nowUS int64) (domain.Tick, bool, error) {
	token := binary.BigEndian.Uint32(p[0:4])
	if _, known := n.instruments.ByToken(token); !known {
		return domain.Tick{}, false, nil
	}
	oi := int64(binary.BigEndian.Uint32(p[28:32]))
	tick := domain.Tick{
		Token:       token,
		Mode:        domain.ModeFull,
		TimestampUS: nowUS,
		Source:      domain.SourceLive,
		LastPrice:   paisaToDecimal(binary.BigEndian.Uint32(p[4:8])),
		Volume:      int64(binary.BigEndian.Uint32(p[8:12])),
		BidPrice:    paisaToDecimal(binary.BigEndian.Uint32(p[12:16])),
		AskPrice:    paisaToDecimal(binary.BigEndian.Uint32(p[16:20])),
		BidQty:      int64(binary.BigEndian.Uint32(p[20:24])),
		AskQty:      int64(binary.BigEndian.Uint32(p[24:28])),
		OI:          &oi,
	}

	const depthStart = 32
	tick.Depth = make([]domain.DepthLevel, 0, depthLevels*2)
	off := depthStart
	for i := 0; i < depthLevels*2 && off+9 <= len(p); i++ {
		tick.Depth = append(tick.Depth, domain.DepthLevel{
			Price:    paisaToDecimal(binary.BigEndian.Uint32(p[off : off+4])),
			Quantity: int64(binary.BigEndian.Uint32(p[off+4 : off+8])),
			Orders:   int(p[off+8]),
		})
		off += 9
	}

	return tick, true, nil
}

func paisaToDecimal(paisa uint32) decimal.Decimal {
	return decimal.NewFromInt(int64(paisa)).DivRound(priceScale, 2)
}
