package model

type Type string

const (
	TypeChannel  = Type("channel")
	TypePlaylist = Type("playlist")
	TypeUser     = Type("user")
	TypeHandle   = Type("handle")
)

// Kind returns the feed kind a link resolves to.
func (t Type) Kind() Kind {
	if t == TypePlaylist {
		return KindPlaylist
	}
	return KindChannel
}

type Provider string

const (
	ProviderYoutube = Provider("youtube")
)

// Info represents data extracted from URL
type Info struct {
	LinkType Type     // Either channel, user, handle or playlist
	Provider Provider // Only YouTube for now
	ItemID   string
}
