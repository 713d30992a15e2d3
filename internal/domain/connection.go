package domain

import "time"

// ConnectionStatus is the lifecycle state of a Salesforce connection.
type ConnectionStatus string

const (
	ConnectionActive      ConnectionStatus = "active"
	ConnectionInactive    ConnectionStatus = "inactive"
	ConnectionNeedsReauth ConnectionStatus = "needs_reauth"
)

// Valid reports whether s is one of the known statuses.
func (s ConnectionStatus) Valid() bool {
	switch s {
	case ConnectionActive, ConnectionInactive, ConnectionNeedsReauth:
		return true
	}
	return false
}

// Connection links a dashboard user to one Salesforce org.
// Token fields hold envelope blobs and are never plaintext.
type Connection struct {
	ID                    int64
	UserID                string
	SFOrgID               string
	SFUserID              string
	InstanceURL           string
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	Status                ConnectionStatus
	CreatedAt             time.Time
	UpdatedAt             time.Time
}
