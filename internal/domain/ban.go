package domain

import (
	crypto_rand "crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// BanRecord is one entry of the deny list.
//
// A zero CreatedAt means the entry carries no creation stamp (it was added
// by hand) and never expires.
type BanRecord struct {
	ClientKey string    `json:"client_key"`
	Weight    string    `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
}

// Permanent reports whether the record lacks a creation stamp.
func (b BanRecord) Permanent() bool {
	return b.CreatedAt.IsZero()
}

// Expired reports whether created_at + ttl < now. Permanent records never
// expire.
func (b BanRecord) Expired(now time.Time, ttl time.Duration) bool {
	if b.Permanent() || ttl <= 0 {
		return false
	}
	return b.CreatedAt.Add(ttl).Before(now)
}

type BanEventKind string

const (
	BanEventBan   BanEventKind = "BAN"
	BanEventUnban BanEventKind = "UNBAN"
)

// BanEvent is emitted to observers whenever the deny list changes.
type BanEvent struct {
	ID         string       `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	Kind       BanEventKind `json:"kind"`
	ClientKey  string       `json:"client_key"`
	StatusCode int          `json:"status_code,omitempty"`
	Count      int          `json:"count,omitempty"`
	Limit      int          `json:"limit,omitempty"`
	Window     string       `json:"window,omitempty"`
	Reason     string       `json:"reason"`
}

func NewBanEvent(kind BanEventKind, clientKey, reason string) *BanEvent {
	return &BanEvent{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		ClientKey: clientKey,
		Reason:    reason,
	}
}

func (e *BanEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

var eventCounter atomic.Uint64

func generateEventID() string {
	var randBytes [4]byte
	if _, err := crypto_rand.Read(randBytes[:]); err != nil {
		return fmt.Sprintf("%s-%d-00000000",
			time.Now().UTC().Format("20060102150405"),
			eventCounter.Add(1))
	}
	return fmt.Sprintf("%s-%d-%08x",
		time.Now().UTC().Format("20060102150405"),
		eventCounter.Add(1),
		binary.BigEndian.Uint32(randBytes[:]))
}
