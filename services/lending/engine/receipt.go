package engine

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"lukechampine.com/blake3"

	"stxlend/core/events"
	"stxlend/core/state"
	"stxlend/core/types"
	"stxlend/crypto"
)

// Receipt records a committed operation and the events it produced.
type Receipt struct {
	TxID     string         `json:"txId"`
	Sequence uint64         `json:"sequence"`
	Op       string         `json:"op"`
	Caller   string         `json:"caller"`
	Height   uint64         `json:"height"`
	Events   []*types.Event `json:"events"`
}

type storedAttr struct {
	Key   string
	Value string
}

type storedEvent struct {
	Type  string
	Attrs []storedAttr
}

type storedReceipt struct {
	TxID     string
	Sequence uint64
	Op       string
	Caller   string
	Height   uint64
	Events   []storedEvent
}

func receiptKey(txID string) []byte {
	return []byte("lending/receipt/" + strings.ToLower(txID))
}

// txID hashes the receipt sequence, operation, caller and height. The
// sequence alone makes it unique within a pool.
func txID(seq uint64, op string, caller crypto.Address, height uint64) string {
	buf := make([]byte, 16, 16+len(op)+20)
	binary.BigEndian.PutUint64(buf[:8], seq)
	binary.BigEndian.PutUint64(buf[8:], height)
	buf = append(buf, op...)
	buf = append(buf, caller.Bytes()...)
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

func payloads(evts []events.Event) []*types.Event {
	out := make([]*types.Event, 0, len(evts))
	for _, evt := range evts {
		typed, ok := evt.(events.Typed)
		if !ok {
			continue
		}
		if payload := typed.Event(); payload != nil {
			out = append(out, payload.Clone())
		}
	}
	return out
}

func putReceipt(mgr *state.Manager, r *Receipt) error {
	stored := storedReceipt{
		TxID:     r.TxID,
		Sequence: r.Sequence,
		Op:       r.Op,
		Caller:   r.Caller,
		Height:   r.Height,
		Events:   make([]storedEvent, 0, len(r.Events)),
	}
	for _, evt := range r.Events {
		keys := make([]string, 0, len(evt.Attributes))
		for k := range evt.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		se := storedEvent{Type: evt.Type, Attrs: make([]storedAttr, 0, len(keys))}
		for _, k := range keys {
			se.Attrs = append(se.Attrs, storedAttr{Key: k, Value: evt.Attributes[k]})
		}
		stored.Events = append(stored.Events, se)
	}
	if err := mgr.KVPut(receiptKey(r.TxID), &stored); err != nil {
		return fmt.Errorf("store receipt: %w", err)
	}
	return nil
}

func getReceipt(mgr *state.Manager, id string) (*Receipt, error) {
	var stored storedReceipt
	ok, err := mgr.KVGet(receiptKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	r := &Receipt{
		TxID:     stored.TxID,
		Sequence: stored.Sequence,
		Op:       stored.Op,
		Caller:   stored.Caller,
		Height:   stored.Height,
		Events:   make([]*types.Event, 0, len(stored.Events)),
	}
	for _, se := range stored.Events {
		evt := &types.Event{Type: se.Type, Attributes: make(map[string]string, len(se.Attrs))}
		for _, attr := range se.Attrs {
			evt.Attributes[attr.Key] = attr.Value
		}
		r.Events = append(r.Events, evt)
	}
	return r, nil
}
