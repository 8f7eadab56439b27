// Package codec implements stable, self-describing encode/decode for
// the three record types a replica stores.
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package codec

import "time"

// RegistrationState is the three-state registration enum. The numeric
// order is significant: it is the "more-registered wins" ordering used by
// the CAS engine's merge rule.
type RegistrationState int8

const (
	NotRegistered RegistrationState = iota
	Unregistered
	Registered
)

func (s RegistrationState) String() string {
	switch s {
	case Registered:
		return "REGISTERED"
	case Unregistered:
		return "UNREGISTERED"
	default:
		return "NOT_REGISTERED"
	}
}

// MoreRegistered returns the more-registered of a and b: an observation of
// registration is strictly newer evidence than a no-registration snapshot
// and must never regress.
func MoreRegistered(a, b RegistrationState) RegistrationState {
	if a > b {
		return a
	}
	return b
}

// ChargingAddresses carries CCF/ECF address lists plus the timestamp of the
// write that produced them, used by the "last-refreshed wins" merge rule.
type ChargingAddresses struct {
	CCF       []string  `json:"ccf,omitempty"`
	ECF       []string  `json:"ecf,omitempty"`
	Refreshed time.Time `json:"refreshed"`
}

func (c ChargingAddresses) IsZero() bool {
	return len(c.CCF) == 0 && len(c.ECF) == 0 && c.Refreshed.IsZero()
}

// DefaultIMPURecord is the on-the-wire body of the default IMPU record:
// the authoritative record for an IRS.
type DefaultIMPURecord struct {
	DefaultIMPU     string            `json:"default_impu"`
	ServiceProfile  string            `json:"service_profile_xml"`
	RegState        RegistrationState `json:"reg_state"`
	Charging        ChargingAddresses `json:"charging_addresses"`
	AssociatedIMPUs []string          `json:"associated_impus"`
	IMPIs           []string          `json:"impis"`
	ExpiresAt       time.Time         `json:"expires_at"`
}

// AssociatedIMPURecord is the on-the-wire body of an associated IMPU
// record: a pointer to its default IMPU.
type AssociatedIMPURecord struct {
	DefaultIMPU string    `json:"default_impu"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// IMPIMappingRecord is the on-the-wire body of an IMPI -> IMPU mapping
// record.
type IMPIMappingRecord struct {
	DefaultIMPUs []string  `json:"default_impus"`
	ExpiresAt    time.Time `json:"expires_at"`
}
