// Package perms decides whether a caller may read or write a node based on
// the node's access control lists.
package perms

import (
	"github.com/i5heu/nodestore/pkg/types"
)

// Everyone is the principal granting access to every caller.
const Everyone = "all"

// Checker is the permission decision consumed by the node store.
type Checker interface {
	CanRead(caller string, n *types.Node) bool
	CanWrite(caller string, n *types.Node) bool
}

// Policy grants access when the ACL names the caller, one of the caller's
// groups or Everyone. Admins may access every node.
type Policy struct {
	Admins []string
	// Groups maps a caller to the groups it belongs to.
	Groups map[string][]string
}

func (p Policy) CanRead(caller string, n *types.Node) bool {
	return p.allowed(caller, n.ACL.Read)
}

func (p Policy) CanWrite(caller string, n *types.Node) bool {
	return p.allowed(caller, n.ACL.Write)
}

func (p Policy) allowed(caller string, acl []string) bool {
	if caller != "" && contains(p.Admins, caller) {
		return true
	}
	for _, principal := range acl {
		if principal == Everyone || (caller != "" && principal == caller) {
			return true
		}
		if contains(p.Groups[caller], principal) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// AllowAll permits everything.
type AllowAll struct{}

func (AllowAll) CanRead(string, *types.Node) bool  { return true }
func (AllowAll) CanWrite(string, *types.Node) bool { return true }
