package model

// Domain identifies the kind of entity a stream notification refers to.
type Domain string

const (
	DomainFlag    Domain = "flag"
	DomainSegment Domain = "target-segment"
)

// Action is what happened to the entity.
type Action string

const (
	ActionCreate Action = "create"
	ActionPatch  Action = "patch"
	ActionDelete Action = "delete"
)

// Message is an incremental update notification delivered by the update stream.
// It only identifies the changed entity; the client re-fetches the entity itself.
type Message struct {
	Domain     Domain `json:"domain"`
	Event      Action `json:"event"`
	Identifier string `json:"identifier"`
	Version    int64  `json:"version,omitempty"`
}

// IsDelete reports whether the message announces a deletion.
func (m Message) IsDelete() bool {
	return m.Event == ActionDelete
}
