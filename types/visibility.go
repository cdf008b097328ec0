package types

import "slices"

type Visibility string

const (
	VisibilityPublic        Visibility = "PUBLIC"
	VisibilityUnlisted      Visibility = "UNLISTED"
	VisibilityFollowersOnly Visibility = "FOLLOWERS_ONLY"
	VisibilityDirect        Visibility = "DIRECT"
)

func ParseVisibility(s string) (Visibility, bool) {
	v := Visibility(s)
	switch v {
	case VisibilityPublic, VisibilityUnlisted, VisibilityFollowersOnly, VisibilityDirect:
		return v, true
	}
	return "", false
}

// ObjectVisibility classifies obj given the followers collection of its author.
func ObjectVisibility(obj *RawApObj, followersCollection string) Visibility {
	to := obj.GetList("to")
	cc := obj.GetList("cc")

	if slices.ContainsFunc(to, IsPublic) {
		return VisibilityPublic
	}
	if slices.ContainsFunc(cc, IsPublic) {
		return VisibilityUnlisted
	}
	if followersCollection != "" && slices.Contains(to, followersCollection) {
		return VisibilityFollowersOnly
	}
	return VisibilityDirect
}
