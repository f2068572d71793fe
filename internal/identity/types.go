package identity

import "time"

// Status is the lifecycle state of an identity. Merged is a terminal
// sub-state of Disabled reached when the identity loses a merge.
type Status string

const (
	StatusActive   Status = "Active"
	StatusDisabled Status = "Disabled"
	StatusMerged   Status = "Merged"
)

// IsDisabled reports whether the status is terminal for write purposes.
func (s Status) IsDisabled() bool {
	return s == StatusDisabled || s == StatusMerged
}

// DeviceStatus is the connectivity state reported by the last sync.
type DeviceStatus string

const (
	DeviceConnected    DeviceStatus = "Connected"
	DeviceDisconnected DeviceStatus = "Disconnected"
	DeviceUnknown      DeviceStatus = "Unknown"
)

// GrantStatus is the lifecycle state of an access grant.
type GrantStatus string

const (
	GrantActive    GrantStatus = "Active"
	GrantRevoked   GrantStatus = "Revoked"
	GrantExpired   GrantStatus = "Expired"
	GrantSuspended GrantStatus = "Suspended"
)

// Identity is the canonical record for a real-world person. Identities are
// never hard-deleted: disabling (or losing a merge) is the terminal state.
type Identity struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	FullName   string    `json:"full_name"`
	Department string    `json:"department,omitempty"`
	Role       string    `json:"role,omitempty"`
	Manager    string    `json:"manager,omitempty"`
	Location   string    `json:"location,omitempty"`
	Status     Status    `json:"status"`
	MergedInto string    `json:"merged_into,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastSeen   time.Time `json:"last_seen"`
}

// Device is a machine or asset. OwnerID may be empty: an unowned device is a
// valid, orphaned state surfaced by the orphan listing.
type Device struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Status     DeviceStatus `json:"status"`
	Compliant  bool         `json:"compliant"`
	IPAddress  string       `json:"ip_address,omitempty"`
	MACAddress string       `json:"mac_address,omitempty"`
	VLAN       string       `json:"vlan,omitempty"`
	OSVersion  string       `json:"os_version,omitempty"`
	OwnerID    string       `json:"owner_id,omitempty"`
	LastSeen   time.Time    `json:"last_seen"`
}

// Account is a per-service login owned by an identity.
type Account struct {
	ID        string      `json:"id"`
	Service   string      `json:"service"`
	UserEmail string      `json:"user_email"`
	Status    GrantStatus `json:"status"`
	OwnerID   string      `json:"owner_id"`
}

// GroupMembership links an identity to a named group.
type GroupMembership struct {
	ID        string `json:"id"`
	GroupName string `json:"group_name"`
	OwnerID   string `json:"owner_id"`
}

// AccessGrant is a (user, resource, access level) tuple with review metadata.
// Invariant: ExpiresAt, when set, is never before GrantedAt, and a Revoked
// grant always has a sealed audit record with action Revoked for its id.
type AccessGrant struct {
	ID                      string      `json:"id"`
	UserID                  string      `json:"user_id"`
	Resource                string      `json:"resource"`
	AccessLevel             string      `json:"access_level"`
	Justification           string      `json:"justification,omitempty"`
	GrantedBy               string      `json:"granted_by"`
	GrantedAt               time.Time   `json:"granted_at"`
	ExpiresAt               *time.Time  `json:"expires_at,omitempty"`
	RiskLevel               string      `json:"risk_level,omitempty"`
	ComplianceTags          []string    `json:"compliance_tags,omitempty"`
	Status                  GrantStatus `json:"status"`
	RevokedAt               *time.Time  `json:"revoked_at,omitempty"`
	RevocationJustification string      `json:"revocation_justification,omitempty"`
}

// ChildKind names a type of record owned by an identity.
type ChildKind string

const (
	ChildDevice  ChildKind = "device"
	ChildAccount ChildKind = "account"
	ChildGroup   ChildKind = "group_membership"
	ChildGrant   ChildKind = "access_grant"
)

// Children bundles everything owned by one identity.
type Children struct {
	Devices  []Device          `json:"devices"`
	Accounts []Account         `json:"accounts"`
	Groups   []GroupMembership `json:"group_memberships"`
	Grants   []AccessGrant     `json:"access_grants"`
}
