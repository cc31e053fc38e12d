package store

import (
	"crypto/rand"
	"time"
)

// PairingRequest is one pending DM pairing exchange: an unknown sender was
// handed a short code and waits for operator approval.
type PairingRequest struct {
	Code        string `json:"code"`
	Channel     string `json:"channel"`
	SenderID    string `json:"senderId"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// PairingFile is the on-disk shape of pairing.json.
type PairingFile struct {
	Pending  []PairingRequest `json:"pending"`
	Approved map[string][]string `json:"approved,omitempty"` // channel → sender ids
}

// PairingStore persists pairing codes and the approved-sender sets.
type PairingStore struct {
	*JSONStore[PairingFile]
}

// NewPairingStore opens (or initializes) pairing.json.
func NewPairingStore(path string) (*PairingStore, error) {
	s := &PairingStore{NewJSONStore(path, func() PairingFile {
		return PairingFile{Approved: map[string][]string{}}
	})}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

const pairingAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// newPairingCode returns an 8-char code from an unambiguous alphabet.
func newPairingCode() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	for i, b := range buf {
		buf[i] = pairingAlphabet[int(b)%len(pairingAlphabet)]
	}
	return string(buf)
}

// Request returns the existing pending code for a sender or mints a new one.
func (s *PairingStore) Request(channel, senderID string, now time.Time) (string, error) {
	var code string
	err := s.Mutate(func(f *PairingFile) error {
		for _, p := range f.Pending {
			if p.Channel == channel && p.SenderID == senderID {
				code = p.Code
				return nil
			}
		}
		code = newPairingCode()
		f.Pending = append(f.Pending, PairingRequest{
			Code:        code,
			Channel:     channel,
			SenderID:    senderID,
			CreatedAtMs: now.UnixMilli(),
		})
		return nil
	})
	return code, err
}

// Approve resolves a pending code: the sender joins the approved set.
// Returns the approved sender id, or "" when the code is unknown.
func (s *PairingStore) Approve(channel, code string) (string, error) {
	var sender string
	err := s.Mutate(func(f *PairingFile) error {
		kept := f.Pending[:0]
		for _, p := range f.Pending {
			if p.Channel == channel && p.Code == code {
				sender = p.SenderID
				continue
			}
			kept = append(kept, p)
		}
		f.Pending = kept
		if sender != "" {
			if f.Approved == nil {
				f.Approved = map[string][]string{}
			}
			f.Approved[channel] = append(f.Approved[channel], sender)
		}
		return nil
	})
	return sender, err
}

// IsApproved reports whether a sender passed pairing on a channel.
func (s *PairingStore) IsApproved(channel, senderID string) bool {
	f := s.Get()
	for _, id := range f.Approved[channel] {
		if id == senderID {
			return true
		}
	}
	return false
}

// Pending lists outstanding requests, optionally filtered by channel.
func (s *PairingStore) Pending(channel string) []PairingRequest {
	f := s.Get()
	if channel == "" {
		return append([]PairingRequest(nil), f.Pending...)
	}
	var out []PairingRequest
	for _, p := range f.Pending {
		if p.Channel == channel {
			out = append(out, p)
		}
	}
	return out
}

// Revoke removes a sender from a channel's approved set.
func (s *PairingStore) Revoke(channel, senderID string) error {
	return s.Mutate(func(f *PairingFile) error {
		kept := f.Approved[channel][:0]
		for _, id := range f.Approved[channel] {
			if id != senderID {
				kept = append(kept, id)
			}
		}
		f.Approved[channel] = kept
		return nil
	})
}
