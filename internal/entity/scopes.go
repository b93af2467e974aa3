package entity

// Entity kinds. The set is closed; both kinds share the same aggregate logic
// and differ only in their scope descriptors.
const (
	KindUser         = "user"
	KindCongregation = "congregation"
)

// Descriptor describes one named scope of an entity: whether it is a single
// document or a keyed collection, which field identifies a collection record,
// and whether it is loaded lazily on first access instead of at startup.
type Descriptor struct {
	Name        string
	Collection  bool
	IdentityKey string // record identity field, set when Collection
	Lazy        bool
}

// identity extracts the record identity value from a collection patch.
func (d Descriptor) identity(patch map[string]any) (any, bool) {
	v, ok := patch[d.IdentityKey]
	return v, ok
}

// stub builds the minimal record for an identity that does not exist yet:
// just the key, everything else filled in by the merge.
func (d Descriptor) stub(key any) map[string]any {
	return map[string]any{d.IdentityKey: key}
}

var userScopes = []Descriptor{
	{Name: "profile"},
	{Name: "settings"},
	{Name: "field_service_reports", Collection: true, IdentityKey: "report_date", Lazy: true},
	{Name: "bible_studies", Collection: true, IdentityKey: "person_uid"},
}

var congregationScopes = []Descriptor{
	{Name: "settings"},
	{Name: "persons", Collection: true, IdentityKey: "person_uid"},
	{Name: "field_service_groups", Collection: true, IdentityKey: "group_id"},
}

// scopesFor returns the scope set of a kind, or nil for an unknown kind.
func scopesFor(kind string) []Descriptor {
	switch kind {
	case KindUser:
		return userScopes
	case KindCongregation:
		return congregationScopes
	default:
		return nil
	}
}
