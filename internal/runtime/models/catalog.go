package models

import "time"

// SecurityProtocol is the stored broker authentication mode.
type SecurityProtocol string

const (
	ProtocolNone        SecurityProtocol = "None"
	ProtocolPlain       SecurityProtocol = "SASL/PLAIN"
	ProtocolScramSHA256 SecurityProtocol = "SASL/SCRAM-SHA-256"
	ProtocolScramSHA512 SecurityProtocol = "SASL/SCRAM-SHA-512"
	ProtocolAWSIAM      SecurityProtocol = "SASL/AWS/IAM"
)

// Broker is a stored Kafka cluster configuration. URL is a comma separated
// list of host:port endpoints and may contain user variables.
type Broker struct {
	ID                    string           `json:"_id,omitempty" yaml:"-"`
	UUID                  string           `json:"uuid" yaml:"uuid"`
	Name                  string           `json:"name" yaml:"name"`
	URL                   string           `json:"url" yaml:"url"`
	Protocol              SecurityProtocol `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	SSLEnabled            bool             `json:"ssl_enabled,omitempty" yaml:"sslEnabled,omitempty"`
	RejectUnauthorized    *bool            `json:"rejectUnauthorized,omitempty" yaml:"rejectUnauthorized,omitempty"`
	Username              string           `json:"username,omitempty" yaml:"username,omitempty"`
	Password              string           `json:"password,omitempty" yaml:"password,omitempty"`
	AuthorizationIdentity string           `json:"authorizationIdentity,omitempty" yaml:"authorizationIdentity,omitempty"`
	AccessKeyID           string           `json:"accessKeyId,omitempty" yaml:"accessKeyId,omitempty"`
	SecretAccessKey       string           `json:"secretAccessKey,omitempty" yaml:"secretAccessKey,omitempty"`
	SessionToken          string           `json:"sessionToken,omitempty" yaml:"sessionToken,omitempty"`
	CreatedAt             time.Time        `json:"createdAt" yaml:"-"`
	UpdatedAt             time.Time        `json:"updatedAt" yaml:"-"`
}

// RegistrySecurity is the schema registry authentication mode.
type RegistrySecurity string

const (
	RegistrySecurityNone  RegistrySecurity = "NONE"
	RegistrySecurityBasic RegistrySecurity = "BASIC"
)

// SchemaRegistry is a stored schema registry endpoint.
type SchemaRegistry struct {
	ID               string           `json:"_id,omitempty" yaml:"-"`
	UUID             string           `json:"uuid" yaml:"uuid"`
	Name             string           `json:"name" yaml:"name"`
	URL              string           `json:"url" yaml:"url"`
	SecurityProtocol RegistrySecurity `json:"securityProtocol,omitempty" yaml:"securityProtocol,omitempty"`
	Username         string           `json:"username,omitempty" yaml:"username,omitempty"`
	Password         string           `json:"password,omitempty" yaml:"password,omitempty"`
	CreatedAt        time.Time        `json:"createdAt" yaml:"-"`
	UpdatedAt        time.Time        `json:"updatedAt" yaml:"-"`
}

// EnvironmentVariable is one user variable of an environment.
type EnvironmentVariable struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Environment is a named set of user variables.
type Environment struct {
	ID        string                `json:"_id,omitempty" yaml:"-"`
	UUID      string                `json:"uuid" yaml:"uuid"`
	Name      string                `json:"name" yaml:"name"`
	Variables []EnvironmentVariable `json:"variables" yaml:"variables"`
	IsDefault bool                  `json:"isDefault,omitempty" yaml:"isDefault,omitempty"`
	CreatedAt time.Time             `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time             `json:"updatedAt" yaml:"-"`
}

// User selects the active environment. Only the default user is consulted
// during a run.
type User struct {
	ID                      string    `json:"_id,omitempty" yaml:"-"`
	UUID                    string    `json:"uuid" yaml:"uuid"`
	Name                    string    `json:"name" yaml:"name"`
	IsDefault               bool      `json:"isDefault" yaml:"isDefault"`
	SelectedEnvironmentUUID string    `json:"selectedEnvironmentUUID,omitempty" yaml:"selectedEnvironmentUUID,omitempty"`
	CreatedAt               time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt               time.Time `json:"updatedAt" yaml:"-"`
}
