package types

import "strings"

// WellKnown is a struct for a well-known response.
type WellKnown struct {
	Links []WellKnownLink `json:"links"`
}

// WellKnownLink is a struct for the links field of a well-known response.
type WellKnownLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// WebFinger is a struct for a WebFinger response.
type WebFinger struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

// WebFingerLink is a struct for the links field of a WebFinger response.
type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// ---------------------------------------------------------------------

// NodeInfo is a struct for a NodeInfo response.
type NodeInfo struct {
	Version           string           `json:"version,omitempty" yaml:"version"`
	Software          NodeInfoSoftware `json:"software,omitempty" yaml:"software"`
	Protocols         []string         `json:"protocols,omitempty" yaml:"protocols"`
	Services          NodeInfoServices `json:"services" yaml:"-"`
	Usage             NodeInfoUsage    `json:"usage" yaml:"-"`
	OpenRegistrations bool             `json:"openRegistrations" yaml:"openRegistrations"`
	Metadata          NodeInfoMetadata `json:"metadata,omitempty" yaml:"metadata"`
}

// NodeInfoSoftware is a struct for the software field of a NodeInfo response.
type NodeInfoSoftware struct {
	Name    string `json:"name,omitempty" yaml:"name"`
	Version string `json:"version,omitempty" yaml:"version"`
}

type NodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type NodeInfoUsage struct {
	Users      NodeInfoUsers `json:"users"`
	LocalPosts int64         `json:"localPosts"`
}

type NodeInfoUsers struct {
	Total int `json:"total"`
}

// NodeInfoMetadata is a struct for the metadata field of a NodeInfo response.
type NodeInfoMetadata struct {
	NodeName        string                     `json:"nodeName,omitempty" yaml:"nodeName"`
	NodeDescription string                     `json:"nodeDescription,omitempty" yaml:"nodeDescription"`
	Maintainer      NodeInfoMetadataMaintainer `json:"maintainer,omitempty" yaml:"maintainer"`
}

// NodeInfoMetadataMaintainer is a struct for the maintainer field of a NodeInfo response.
type NodeInfoMetadataMaintainer struct {
	Name  string `json:"name,omitempty" yaml:"name"`
	Email string `json:"email,omitempty" yaml:"email"`
}

// ---------------------------------------------------------------------

// ApObject is the typed shape of the documents this node serves about itself.
type ApObject struct {
	Context                   any              `json:"@context,omitempty"`
	Actor                     string           `json:"actor,omitempty"`
	Type                      string           `json:"type,omitempty"`
	ID                        string           `json:"id,omitempty"`
	To                        any              `json:"to,omitempty"`
	CC                        any              `json:"cc,omitempty"`
	Inbox                     string           `json:"inbox,omitempty"`
	Outbox                    string           `json:"outbox,omitempty"`
	Endpoints                 *PersonEndpoints `json:"endpoints,omitempty"`
	Followers                 string           `json:"followers,omitempty"`
	Following                 string           `json:"following,omitempty"`
	PreferredUsername         string           `json:"preferredUsername,omitempty"`
	Name                      string           `json:"name,omitempty"`
	Summary                   string           `json:"summary,omitempty"`
	URL                       string           `json:"url,omitempty"`
	Icon                      *Icon            `json:"icon,omitempty"`
	PublicKey                 *Key             `json:"publicKey,omitempty"`
	ManuallyApprovesFollowers bool             `json:"manuallyApprovesFollowers"`
	Discoverable              bool             `json:"discoverable,omitempty"`
	AlsoKnownAs               []string         `json:"alsoKnownAs,omitempty"`
}

type PersonEndpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Key is a struct for the publicKey field of an actor.
type Key struct {
	ID           string `json:"id,omitempty"`
	Type         string `json:"type,omitempty"`
	Owner        string `json:"owner,omitempty"`
	PublicKeyPem string `json:"publicKeyPem,omitempty"`
}

// Icon is a struct for the icon field of an actor.
type Icon struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Tag is a struct for an ActivityPub tag.
type Tag struct {
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
	Href string `json:"href,omitempty"`
}

// OrderedCollection is served for the outbox, followers and following endpoints.
type OrderedCollection struct {
	Context      any    `json:"@context"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	TotalItems   int64  `json:"totalItems"`
	OrderedItems any    `json:"orderedItems"`
}

// ---------------------------------------------------------------------

// ApConfig describes the single local actor.
type ApConfig struct {
	FQDN           string   `yaml:"fqdn"`
	Scheme         string   `yaml:"scheme"`
	Username       string   `yaml:"username"`
	Name           string   `yaml:"name"`
	Summary        string   `yaml:"summary"`
	IconURL        string   `yaml:"iconURL"`
	PrivateKey     string   `yaml:"privateKey"`
	PrivateKeyPath string   `yaml:"privateKeyPath"`
	BlockedServers []string `yaml:"blockedServers"`
}

func (c ApConfig) BaseURL() string {
	scheme := c.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + c.FQDN
}

// ActorID is the id of the local actor.
func (c ApConfig) ActorID() string {
	return c.BaseURL()
}

func (c ApConfig) KeyID() string {
	return c.ActorID() + "#main-key"
}

func (c ApConfig) InboxURL() string {
	return c.BaseURL() + "/inbox"
}

func (c ApConfig) OutboxURL() string {
	return c.BaseURL() + "/outbox"
}

func (c ApConfig) FollowersURL() string {
	return c.BaseURL() + "/followers"
}

func (c ApConfig) FollowingURL() string {
	return c.BaseURL() + "/following"
}

// Handle is the local actor's @user@host.
func (c ApConfig) Handle() string {
	return "@" + c.Username + "@" + c.FQDN
}

// ObjectURL returns the canonical URL of an outbox object.
func (c ApConfig) ObjectURL(publicID string) string {
	return c.BaseURL() + "/o/" + publicID
}

// IsLocal reports whether url belongs to this node.
func (c ApConfig) IsLocal(url string) bool {
	base := c.BaseURL()
	return url == base || strings.HasPrefix(url, base+"/") || strings.HasPrefix(url, base+"#")
}

func (c ApConfig) IsBlockedServer(host string) bool {
	for _, blocked := range c.BlockedServers {
		if strings.EqualFold(blocked, host) {
			return true
		}
	}
	return false
}
