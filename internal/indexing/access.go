package indexing

import (
	"slices"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
)

// AccessPolicy decides who may read a document's chunks. One policy is chosen
// at startup from the edition flag.
type AccessPolicy interface {
	Access(doc *domain.Document, pair *domain.ConnectorCredentialPair) domain.AccessControl
}

// NewAccessPolicy returns the enterprise policy when enterprise is set and the
// community policy otherwise.
func NewAccessPolicy(enterprise bool) AccessPolicy {
	if enterprise {
		return enterprisePolicy{}
	}
	return communityPolicy{}
}

// communityPolicy has no per-document ACLs: a document is public when the
// connector says so or the credential is shared by an admin.
type communityPolicy struct{}

func (communityPolicy) Access(doc *domain.Document, pair *domain.ConnectorCredentialPair) domain.AccessControl {
	return domain.AccessControl{Public: doc.IsPublic || credentialPublic(pair)}
}

// enterprisePolicy carries the source system's ACL entries onto every chunk.
type enterprisePolicy struct{}

func (enterprisePolicy) Access(doc *domain.Document, pair *domain.ConnectorCredentialPair) domain.AccessControl {
	acl := domain.AccessControl{
		Public: doc.IsPublic,
		Users:  dedupe(doc.ExternalEmails),
		Groups: dedupe(doc.ExternalGroups),
	}
	// No ACL from the source: fall back to the credential's visibility.
	if !acl.Public && len(acl.Users) == 0 && len(acl.Groups) == 0 {
		acl.Public = credentialPublic(pair)
	}
	return acl
}

func credentialPublic(pair *domain.ConnectorCredentialPair) bool {
	return pair != nil && pair.Credential != nil && pair.Credential.AdminPublic
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}
