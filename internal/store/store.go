package store

import (
	"path/filepath"
	"time"

	"github.com/lieyanc/FireFrp/internal/model"
)

// CredentialCollection and AuditCollection name the two concrete
// instantiations of Collection used throughout FireFrp.
type CredentialCollection = Collection[model.Credential, *model.Credential]
type AuditCollection = Collection[model.AuditEntry, *model.AuditEntry]

// Store bundles the two collections of spec §6.7: access_keys.json and
// audit_log.json, rooted under <dataDir>/data.
type Store struct {
	Credentials *CredentialCollection
	Audit       *AuditCollection
}

// Open loads both collections from dataDir/data, creating the directory
// if necessary.
func Open(dataDir string) (*Store, error) {
	dataPath := filepath.Join(dataDir, "data")

	creds, err := Load[model.Credential, *model.Credential](filepath.Join(dataPath, "access_keys.json"))
	if err != nil {
		return nil, err
	}
	audit, err := Load[model.AuditEntry, *model.AuditEntry](filepath.Join(dataPath, "audit_log.json"))
	if err != nil {
		return nil, err
	}
	return &Store{Credentials: creds, Audit: audit}, nil
}

// AppendAudit inserts an audit row with CreatedAt set to now; it never
// fails the caller's overall operation — callers log and continue per
// spec §7 ("recover locally"), since the audit log is a forensic aid,
// not a correctness dependency for P1-P10.
func (s *Store) AppendAudit(eventType string, keyID int64, details string, now time.Time) (model.AuditEntry, error) {
	return s.Audit.Insert(model.AuditEntry{
		EventType: eventType,
		KeyID:     keyID,
		Details:   details,
		CreatedAt: now,
	})
}
