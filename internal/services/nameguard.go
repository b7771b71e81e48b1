package services

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NameGuard decides name legality. The production oracle lives outside this
// service; StaticNameGuard stands in with a configured list.
type NameGuard interface {
	IsReservedName(name string) bool
	// HomoglyphCollision returns the protected name that name imitates.
	HomoglyphCollision(name string) (string, bool)
}

type StaticNameGuard struct {
	reserved  map[string]struct{}
	skeletons map[string]string // skeleton -> reserved name
}

func NewStaticNameGuard(reserved []string) *StaticNameGuard {
	g := &StaticNameGuard{
		reserved:  make(map[string]struct{}, len(reserved)),
		skeletons: make(map[string]string, len(reserved)),
	}
	for _, name := range reserved {
		n := fold(name)
		if n == "" {
			continue
		}
		g.reserved[n] = struct{}{}
		g.skeletons[skeleton(n)] = n
	}
	return g
}

func (g *StaticNameGuard) IsReservedName(name string) bool {
	_, ok := g.reserved[fold(name)]
	return ok
}

func (g *StaticNameGuard) HomoglyphCollision(name string) (string, bool) {
	n := fold(name)
	target, ok := g.skeletons[skeleton(n)]
	if !ok || target == n {
		return "", false
	}
	return target, true
}

func fold(name string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(name)))
}

var confusables = strings.NewReplacer(
	"0", "o",
	"1", "l",
	"i", "l",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"8", "b",
	"rn", "m",
	"vv", "w",
	"_", "",
	"-", "",
)

func skeleton(name string) string {
	return confusables.Replace(name)
}
