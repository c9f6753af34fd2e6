package credential

import (
	"time"

	"github.com/lieyanc/FireFrp/internal/model"
)

// GetByKey looks up a credential by its opaque key.
func (s *Service) GetByKey(key string) (model.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Credentials.FindBy(func(c model.Credential) bool { return c.Key == key })
}

// GetByTunnelID looks up a credential by its tunnel id.
func (s *Service) GetByTunnelID(tunnelID string) (model.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Credentials.FindBy(func(c model.Credential) bool { return c.TunnelID == tunnelID })
}

// GetActiveByUser returns every non-terminal credential owned by userID,
// most recently created first.
func (s *Service) GetActiveByUser(userID string) []model.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.st.Credentials.Filter(func(c model.Credential) bool {
		return c.UserID == userID && c.Status.NonTerminal()
	})
	reverseCredentials(out)
	return out
}

// GetActiveByGroup returns every non-terminal credential created under
// groupID, most recently created first.
func (s *Service) GetActiveByGroup(groupID string) []model.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.st.Credentials.Filter(func(c model.Credential) bool {
		return c.GroupID == groupID && c.Status.NonTerminal()
	})
	reverseCredentials(out)
	return out
}

// GetAllActive returns every pending or active credential, for the bot's
// "tunnels" command and the ExpiryScheduler's scan.
func (s *Service) GetAllActive() []model.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.st.Credentials.Filter(func(c model.Credential) bool { return c.Status.NonTerminal() })
	reverseCredentials(out)
	return out
}

func reverseCredentials(s []model.Credential) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// RebuildRejectSet replays every terminal credential whose UpdatedAt (the
// time it entered its terminal state) falls within the last horizon into
// reject, restoring C5's in-memory state after a restart (spec §4.5:
// "rebuilt from Store on startup by scanning recently-terminal
// credentials"). It takes the state lock itself, so no Service method
// observes a partially-rebuilt set; AppRoot calls it once at startup,
// after the HTTP listener is bound.
func (s *Service) RebuildRejectSet(now time.Time, horizon time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-horizon)
	for _, c := range s.st.Credentials.All() {
		if !c.Status.Terminal() {
			continue
		}
		if c.UpdatedAt.Before(cutoff) {
			continue
		}
		s.reject.Add(c.Key, c.UpdatedAt)
	}
}
