// Package credstore holds the durable credential slots used by the API client:
// the access token, the refresh token and the active organization id.
//
// Every slot is independent. A missing slot reads as the empty string and is
// never reported as an error; errors only come from the backing medium.
package credstore

import (
	"context"
	"errors"
	"fmt"
)

// Slot names one independent credential value.
type Slot string

const (
	SlotAccessToken  Slot = "access_token"
	SlotRefreshToken Slot = "refresh_token"
	SlotOrgID        Slot = "org_id"
)

// Slots lists every slot in a stable order.
var Slots = []Slot{SlotAccessToken, SlotRefreshToken, SlotOrgID}

// ErrUnknownSlot is returned when a store is asked for a slot it does not hold.
var ErrUnknownSlot = errors.New("unknown credential slot")

// Store is a durable key/value medium for credential slots.
type Store interface {
	// Get returns the slot value, or "" when the slot is empty.
	Get(ctx context.Context, slot Slot) (string, error)
	// Set stores value in slot. Setting "" is equivalent to Clear.
	Set(ctx context.Context, slot Slot, value string) error
	// Clear empties slot. Clearing an empty slot is not an error.
	Clear(ctx context.Context, slot Slot) error
}

// Credentials is a point-in-time snapshot of all slots.
type Credentials struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	OrgID        string `json:"org_id,omitempty"`
}

// IsZero reports whether every slot is empty.
func (c Credentials) IsZero() bool {
	return c == Credentials{}
}

func (c Credentials) get(slot Slot) string {
	switch slot {
	case SlotAccessToken:
		return c.AccessToken
	case SlotRefreshToken:
		return c.RefreshToken
	case SlotOrgID:
		return c.OrgID
	}
	return ""
}

func (c *Credentials) set(slot Slot, value string) {
	switch slot {
	case SlotAccessToken:
		c.AccessToken = value
	case SlotRefreshToken:
		c.RefreshToken = value
	case SlotOrgID:
		c.OrgID = value
	}
}

func validSlot(slot Slot) error {
	switch slot {
	case SlotAccessToken, SlotRefreshToken, SlotOrgID:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownSlot, string(slot))
}

// Snapshot reads all slots from s.
func Snapshot(ctx context.Context, s Store) (Credentials, error) {
	var creds Credentials
	for _, slot := range Slots {
		v, err := s.Get(ctx, slot)
		if err != nil {
			return Credentials{}, fmt.Errorf("read %s: %w", slot, err)
		}
		creds.set(slot, v)
	}
	return creds, nil
}

// ClearAll empties every slot, attempting all of them even if one fails.
func ClearAll(ctx context.Context, s Store) error {
	var errs []error
	for _, slot := range Slots {
		if err := s.Clear(ctx, slot); err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", slot, err))
		}
	}
	return errors.Join(errs...)
}

// SaveLogin stores a freshly issued token pair.
func SaveLogin(ctx context.Context, s Store, accessToken, refreshToken string) error {
	if err := s.Set(ctx, SlotAccessToken, accessToken); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	if err := s.Set(ctx, SlotRefreshToken, refreshToken); err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}
	return nil
}
