package vendors

import (
	"motionstill/internal/bmff"
	"motionstill/internal/heic"
	"motionstill/internal/identity"
	"motionstill/internal/rebuild"
)

// Source resolves one vendor's container quirks into a normalized model.
type Source interface {
	Detect(m *heic.ItemModel, root *bmff.Box) (bool, error)
	Normalize(m *heic.ItemModel) (*heic.ItemModel, error)
}

// Target emits the change-set that adapts a normalized still toward one
// target convention.
type Target interface {
	Adapt(m *heic.ItemModel, pair identity.Pair) (*rebuild.ChangeSet, error)
}

var (
	sources = map[string]Source{"samsung": Samsung{}}
	targets = map[string]Target{"apple": Apple{}, "samsung": SamsungTarget{}}
)

// RegisterSource adds a source resolver under a vendor name. Registration
// happens at init time; duplicate names panic.
func RegisterSource(name string, s Source) {
	if _, dup := sources[name]; dup {
		panic("vendors: source " + name + " registered twice")
	}
	sources[name] = s
}

// RegisterTarget adds a target adapter under a name. Registration happens
// at init time; duplicate names panic.
func RegisterTarget(name string, t Target) {
	if _, dup := targets[name]; dup {
		panic("vendors: target " + name + " registered twice")
	}
	targets[name] = t
}

// SourceFor returns the source resolver registered under name.
func SourceFor(name string) (Source, bool) {
	s, ok := sources[name]
	return s, ok
}

// TargetFor returns the target adapter registered under name.
func TargetFor(name string) (Target, bool) {
	t, ok := targets[name]
	return t, ok
}
