// Package credential implements C4, the CredentialService state machine,
// and owns the single state mutex spec §5 requires over
// Store/PortAllocator/CredentialService/RejectSet as one composite.
// Grounded on the teacher's ticker-driven periodic-scan shape
// (internal/features/monitor.NetworkMonitor) for the lock discipline
// around a small shared struct, generalized to a full state machine.
package credential

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lieyanc/FireFrp/internal/errs"
	"github.com/lieyanc/FireFrp/internal/model"
	"github.com/lieyanc/FireFrp/internal/portalloc"
	"github.com/lieyanc/FireFrp/internal/rejectset"
	"github.com/lieyanc/FireFrp/internal/store"
)

const (
	opCreate     errs.Op = "credential.Create"
	opValidate   errs.Op = "credential.Validate"
	opActivate   errs.Op = "credential.Activate"
	opExpire     errs.Op = "credential.Expire"
	opRevoke     errs.Op = "credential.Revoke"
	opDisconnect errs.Op = "credential.Disconnect"
)

// Clock is overridable in tests; production code uses time.Now.
type Clock func() time.Time

// Service is the sole mutator of Credential rows (spec §3, "Lifecycle
// ownership"). Every exported method takes the state lock for its
// entire read-modify-write; callers release it implicitly on return,
// and must never hold it across network I/O themselves.
type Service struct {
	mu        sync.Mutex
	st        *store.Store
	ports     *portalloc.Allocator
	reject    *rejectset.Set
	keyPrefix string
	clock     Clock
}

// New constructs a Service. keyPrefix is spec §4.2's keyPrefix config
// value (e.g. "ff-").
func New(st *store.Store, ports *portalloc.Allocator, reject *rejectset.Set, keyPrefix string) *Service {
	return &Service{
		st:        st,
		ports:     ports,
		reject:    reject,
		keyPrefix: keyPrefix,
		clock:     time.Now,
	}
}

// WithClock overrides the clock, for deterministic tests.
func (s *Service) WithClock(c Clock) *Service {
	s.clock = c
	return s
}

// heldPorts must be called with s.mu held. It returns the set of ports
// currently held by non-terminal credentials (spec I2).
func (s *Service) heldPorts() map[int]struct{} {
	held := make(map[int]struct{})
	for _, c := range s.st.Credentials.All() {
		if c.Status.NonTerminal() {
			held[c.RemotePort] = struct{}{}
		}
	}
	return held
}

// Create allocates a port and inserts a new pending credential (spec
// §4.4). Port allocation and the credential insert happen inside the
// same critical section so the two can never race apart (spec §4.3).
func (s *Service) Create(userID, userName, groupID, gameType string, ttl time.Duration) (model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	port, err := s.ports.Allocate(s.heldPorts())
	if err != nil {
		return model.Credential{}, err
	}

	key, err := generateKey(s.keyPrefix)
	if err != nil {
		return model.Credential{}, errs.E(opCreate, errs.KindOther, err, "could not generate credential")
	}
	tunnelID := generateTunnelID()

	now := s.clock()
	rec, err := s.st.Credentials.Insert(model.Credential{
		TunnelID:   tunnelID,
		Key:        key,
		UserID:     userID,
		UserName:   userName,
		GroupID:    groupID,
		GameType:   gameType,
		Status:     model.StatusPending,
		RemotePort: port,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		UpdatedAt:  now,
	})
	if err != nil {
		return model.Credential{}, errs.E(opCreate, errs.KindIO, err, "could not persist credential")
	}

	// ProxyName depends on the assigned id, so it is set in a second
	// patch immediately after insert (spec §4.4 step 3).
	rec, ok, err := s.st.Credentials.Update(rec.ID, func(c *model.Credential) {
		c.ProxyName = model.ProxyName(c.ID, c.GameType)
	})
	if err != nil || !ok {
		return model.Credential{}, errs.E(opCreate, errs.KindIO, err, "could not persist proxy name")
	}

	s.audit(model.EventKeyCreated, rec.ID, fmt.Sprintf("tunnelId=%s port=%d", rec.TunnelID, rec.RemotePort), now)
	return rec, nil
}

// ValidationResult classifies the outcome of Validate per spec §6.1's
// error.code table.
type ValidationResult struct {
	Credential model.Credential
	Code       string // "" on success
}

const (
	CodeKeyNotFound       = "KEY_NOT_FOUND"
	CodeKeyExpired        = "KEY_EXPIRED"
	CodeKeyAlreadyUsed    = "KEY_ALREADY_USED"
	CodeKeyRevoked        = "KEY_REVOKED"
	CodeKeyDisconnected   = "KEY_DISCONNECTED"
)

// Validate performs a pure lookup + status classification (spec §4.4).
// On finding a pending record whose TTL has already elapsed, it lazily
// transitions the record to expired and reports KEY_EXPIRED — this is
// the only mutation Validate ever performs. Per the strict Open Question
// decision (spec §9 / DESIGN.md), only "pending" is ever reported valid;
// "active" reports KEY_ALREADY_USED, since reconnection is Login's job.
func (s *Service) Validate(key string) (ValidationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.st.Credentials.FindBy(func(c model.Credential) bool { return c.Key == key })
	if !ok {
		return ValidationResult{}, errs.E(opValidate, errs.KindNotFound, CodeKeyNotFound)
	}

	now := s.clock()
	if rec.Status == model.StatusPending && !rec.ExpiresAt.After(now) {
		expired, expErr := s.expireLocked(rec.ID, now)
		if expErr != nil {
			return ValidationResult{}, expErr
		}
		return ValidationResult{Credential: expired, Code: CodeKeyExpired}, nil
	}

	switch rec.Status {
	case model.StatusPending:
		return ValidationResult{Credential: rec}, nil
	case model.StatusActive:
		return ValidationResult{Credential: rec, Code: CodeKeyAlreadyUsed}, nil
	case model.StatusExpired:
		return ValidationResult{Credential: rec, Code: CodeKeyExpired}, nil
	case model.StatusRevoked:
		return ValidationResult{Credential: rec, Code: CodeKeyRevoked}, nil
	case model.StatusDisconnected:
		return ValidationResult{Credential: rec, Code: CodeKeyDisconnected}, nil
	default:
		return ValidationResult{}, errs.E(opValidate, errs.KindOther, "unknown credential status")
	}
}

// Activate transitions a pending credential to active (spec §4.4). It
// re-reads the record by id after the initial lookup to narrow the
// activation race window, then only proceeds if the record is still
// pending at that point.
func (s *Service) Activate(key, clientID string) (model.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.st.Credentials.FindBy(func(c model.Credential) bool { return c.Key == key })
	if !ok || rec.Status != model.StatusPending {
		return model.Credential{}, false
	}

	rec, ok = s.st.Credentials.FindByID(rec.ID)
	if !ok || rec.Status != model.StatusPending {
		return model.Credential{}, false
	}

	now := s.clock()
	updated, ok, err := s.st.Credentials.Update(rec.ID, func(c *model.Credential) {
		c.Status = model.StatusActive
		c.ClientID = clientID
		c.ActivatedAt = &now
		c.UpdatedAt = now
	})
	if err != nil || !ok {
		return model.Credential{}, false
	}

	s.audit(model.EventKeyActivated, updated.ID, fmt.Sprintf("clientId=%s", clientID), now)
	return updated, true
}

// expireLocked must be called with s.mu held.
func (s *Service) expireLocked(id int64, now time.Time) (model.Credential, error) {
	updated, ok, err := s.st.Credentials.Update(id, func(c *model.Credential) {
		if !c.Status.NonTerminal() {
			return
		}
		c.Status = model.StatusExpired
		c.UpdatedAt = now
	})
	if err != nil {
		return model.Credential{}, errs.E(opExpire, errs.KindIO, err, "could not persist expiry")
	}
	if !ok {
		return model.Credential{}, errs.E(opExpire, errs.KindNotFound, "unknown credential id")
	}
	if updated.Status == model.StatusExpired {
		s.reject.Add(updated.Key, now)
		s.audit(model.EventKeyExpired, updated.ID, "", now)
	}
	return updated, nil
}

// Expire transitions a credential to expired (used by ExpiryScheduler
// and Ping's own rejection-path expiry per spec §4.8).
func (s *Service) Expire(id int64) (model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expireLocked(id, s.clock())
}

// Revoke transitions a non-terminal credential to revoked (used by the
// bot's "kick" command).
func (s *Service) Revoke(id int64) (model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	updated, ok, err := s.st.Credentials.Update(id, func(c *model.Credential) {
		if !c.Status.NonTerminal() {
			return
		}
		c.Status = model.StatusRevoked
		c.UpdatedAt = now
	})
	if err != nil {
		return model.Credential{}, errs.E(opRevoke, errs.KindIO, err, "could not persist revoke")
	}
	if !ok {
		return model.Credential{}, errs.E(opRevoke, errs.KindNotFound, "unknown credential id")
	}
	if updated.Status == model.StatusRevoked {
		s.reject.Add(updated.Key, now)
		s.audit(model.EventKeyRevoked, updated.ID, "", now)
	}
	return updated, nil
}

// Disconnect transitions an active credential to disconnected (CloseProxy,
// spec §4.8). It is a guarded transition: any other status is a no-op
// that returns ok=false.
func (s *Service) Disconnect(key string) (model.Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.st.Credentials.FindBy(func(c model.Credential) bool { return c.Key == key })
	if !ok || rec.Status != model.StatusActive {
		return model.Credential{}, false, nil
	}

	now := s.clock()
	updated, ok, err := s.st.Credentials.Update(rec.ID, func(c *model.Credential) {
		if c.Status != model.StatusActive {
			return
		}
		c.Status = model.StatusDisconnected
		c.UpdatedAt = now
	})
	if err != nil {
		return model.Credential{}, false, errs.E(opDisconnect, errs.KindIO, err, "could not persist disconnect")
	}
	if !ok || updated.Status != model.StatusDisconnected {
		return model.Credential{}, false, nil
	}

	s.reject.Add(updated.Key, now)
	s.audit(model.EventProxyClosed, updated.ID, "", now)
	return updated, true, nil
}

func (s *Service) audit(eventType string, keyID int64, details string, now time.Time) {
	if _, err := s.st.AppendAudit(eventType, keyID, details, now); err != nil {
		// Audit failures are logged here and not returned; the audit log
		// is forensic, not load-bearing for correctness (spec §7
		// propagation policy).
		slog.Warn("credential: audit append failed", "event", eventType, "keyId", keyID, "err", err)
	}
}

// generateKey produces prefix + 32 hex characters (128 bits of CSPRNG
// entropy), satisfying spec §3's key format.
func generateKey(prefix string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(buf), nil
}

// generateTunnelID produces "T-" + 8 hex characters, derived from a
// fresh UUIDv4's hex digits (spec §3).
func generateTunnelID() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "T-" + id[:8]
}
