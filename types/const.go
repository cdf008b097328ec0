package types

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"

	AsPublic = "https://www.w3.org/ns/activitystreams#Public"

	ActivityJSON = "application/activity+json"
	LDJSON       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// ApType is the closed set of object and activity types the engine interprets.
type ApType string

const (
	TypeFollow   ApType = "Follow"
	TypeUndo     ApType = "Undo"
	TypeAccept   ApType = "Accept"
	TypeReject   ApType = "Reject"
	TypeLike     ApType = "Like"
	TypeAnnounce ApType = "Announce"
	TypeCreate   ApType = "Create"
	TypeUpdate   ApType = "Update"
	TypeDelete   ApType = "Delete"
	TypeBlock    ApType = "Block"
	TypeMove     ApType = "Move"

	TypeNote      ApType = "Note"
	TypeArticle   ApType = "Article"
	TypeQuestion  ApType = "Question"
	TypePage      ApType = "Page"
	TypeTombstone ApType = "Tombstone"
	TypeKey       ApType = "Key"

	TypePerson       ApType = "Person"
	TypeApplication  ApType = "Application"
	TypeGroup        ApType = "Group"
	TypeOrganization ApType = "Organization"
	TypeService      ApType = "Service"

	TypeCollection            ApType = "Collection"
	TypeOrderedCollection     ApType = "OrderedCollection"
	TypeCollectionPage        ApType = "CollectionPage"
	TypeOrderedCollectionPage ApType = "OrderedCollectionPage"
)

// IsActor reports whether t is one of the actor types.
func (t ApType) IsActor() bool {
	switch t {
	case TypePerson, TypeApplication, TypeGroup, TypeOrganization, TypeService:
		return true
	}
	return false
}

// IsObject reports whether t is a stream object that can be wrapped in a Create.
func (t ApType) IsObject() bool {
	switch t {
	case TypeNote, TypeArticle, TypeQuestion, TypePage:
		return true
	}
	return false
}

func (t ApType) IsCollection() bool {
	switch t {
	case TypeCollection, TypeOrderedCollection, TypeCollectionPage, TypeOrderedCollectionPage:
		return true
	}
	return false
}

// IsPublic matches the public audience in any of its spellings.
func IsPublic(recipient string) bool {
	return recipient == AsPublic || recipient == "as:Public" || recipient == "Public"
}
